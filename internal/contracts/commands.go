package contracts

// RideCommand is the payload of every outbound ride command
// (ride:accept, ride:reject, ride:start, ride:complete).
type RideCommand struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
	Attempt  int    `json:"attempt,omitempty"` // 1 on first send, 2 on the single retry
	Envelope
}

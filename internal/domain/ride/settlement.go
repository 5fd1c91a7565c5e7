package ride

import "time"

// Settlement is the fare/duration record produced when a ride reaches a
// terminal status. It is what the journal persists before the machine
// returns to IDLE.
type Settlement struct {
	RideID          string
	Outcome         Status // COMPLETED or CANCELLED
	FareMinor       int64
	DistanceKM      float64
	DurationMinutes int
	AcceptedAt      time.Time
	SettledAt       time.Time
}

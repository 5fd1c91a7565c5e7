package contracts

import "time"

// RideOfferEvent mirrors the `ride:request` payload offered to a driver.
type RideOfferEvent struct {
	RideID           string     `json:"ride_id"`
	Rider            RiderBrief `json:"rider"`
	Pickup           GeoPoint   `json:"pickup_location"`
	Destination      GeoPoint   `json:"destination_location"`
	FareMinor        int64      `json:"fare_minor"` // currency minor units
	DistanceKM       float64    `json:"distance_km"`
	EstimatedMinutes int        `json:"estimated_ride_duration_minutes"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	Envelope
}

// RideCancelledEvent mirrors the `ride:cancelled` payload.
type RideCancelledEvent struct {
	RideID  string `json:"ride_id"`
	Reason  string `json:"reason,omitempty"`
	Version int64  `json:"version,omitempty"`
	Envelope
}

// RideStatusEvent mirrors the authoritative `ride:status` payload.
type RideStatusEvent struct {
	RideID         string    `json:"ride_id"`
	Status         string    `json:"status"` // EN_ROUTE_TO_PICKUP|IN_PROGRESS|COMPLETED|CANCELLED
	Version        int64     `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
	FinalFareMinor *int64    `json:"final_fare_minor,omitempty"`
	Envelope
}

// RideUnavailableEvent mirrors the `ride:unavailable` payload sent when the
// backend rejects an optimistic accept or withdraws a pending offer.
type RideUnavailableEvent struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"`
	Envelope
}

// CurrentRideStatus is the reconciliation fetch response:
// GET current-ride-status(driverId) -> { rideId|null, status, version }.
type CurrentRideStatus struct {
	RideID  *string `json:"ride_id"`
	Status  string  `json:"status,omitempty"`
	Version int64   `json:"version,omitempty"`
}

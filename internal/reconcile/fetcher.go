package reconcile

import (
	"context"

	"driverlink/internal/domain/ride"
)

// Status is the authoritative current-ride answer from the backend.
// RideID is nil when the driver has no active ride server-side.
type Status struct {
	RideID  *string
	Status  ride.Status
	Version int64
}

// None reports whether the backend knows of no active ride.
func (s Status) None() bool { return s.RideID == nil }

// Fetcher resolves the driver's authoritative current-ride status with a
// single request/response call (not a stream).
type Fetcher interface {
	CurrentRide(ctx context.Context, driverID string) (Status, error)
}

package ride

import (
	"errors"
	"time"
)

// ActiveRide is the single ride the driver has committed to. It is owned
// exclusively by the lifecycle machine; everything else sees clones.
type ActiveRide struct {
	ID               string // == originating offer id
	Rider            Rider
	Pickup           GeoPoint
	Destination      GeoPoint
	FareMinor        int64
	DistanceKM       float64
	EstimatedMinutes int

	Status      Status
	Version     int64 // bumped on every authoritative status change
	AcceptedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

var (
	ErrInvalidStateTransition = errors.New("invalid ride state transition")
	ErrNoActiveRide           = errors.New("no active ride")
)

// RideFromOffer creates the ActiveRide produced by a successful accept.
// The ride starts at version 0; the first authoritative `ride:status`
// event from the backend establishes the server-side version.
func RideFromOffer(offer *Offer, now time.Time) *ActiveRide {
	return &ActiveRide{
		ID:               offer.ID,
		Rider:            offer.Rider,
		Pickup:           offer.Pickup,
		Destination:      offer.Destination,
		FareMinor:        offer.FareMinor,
		DistanceKM:       offer.DistanceKM,
		EstimatedMinutes: offer.EstimatedMinutes,
		Status:           StatusEnRouteToPickup,
		AcceptedAt:       now,
	}
}

// Start transitions EN_ROUTE_TO_PICKUP -> IN_PROGRESS.
func (r *ActiveRide) Start(now time.Time) error {
	if r.Status != StatusEnRouteToPickup {
		return ErrInvalidStateTransition
	}
	r.Status = StatusInProgress
	r.StartedAt = &now
	return nil
}

// Complete transitions IN_PROGRESS -> COMPLETED and returns the settlement.
func (r *ActiveRide) Complete(now time.Time) (Settlement, error) {
	if r.Status != StatusInProgress {
		return Settlement{}, ErrInvalidStateTransition
	}
	r.Status = StatusCompleted
	r.CompletedAt = &now
	return r.Settle(now), nil
}

// Cancel marks the ride CANCELLED. Server-initiated cancellation is
// authoritative and allowed from any non-terminal status.
func (r *ActiveRide) Cancel(now time.Time) (Settlement, error) {
	if r.Status.Terminal() {
		return Settlement{}, ErrInvalidStateTransition
	}
	r.Status = StatusCancelled
	r.CompletedAt = &now
	return r.Settle(now), nil
}

// ObserveVersion applies an authoritative status+version pair. It reports
// whether the pair was applied; versions not strictly greater than the
// current one are discarded to keep progression monotonic under redelivery.
func (r *ActiveRide) ObserveVersion(status Status, version int64, now time.Time) bool {
	if version <= r.Version {
		return false
	}
	r.Version = version
	if status == r.Status {
		return true
	}
	r.Status = status
	switch status {
	case StatusInProgress:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	case StatusCompleted, StatusCancelled:
		if r.CompletedAt == nil {
			r.CompletedAt = &now
		}
	}
	return true
}

// Settle builds the fare/duration record for the ride as of now. Valid once
// the ride has reached a terminal status.
func (r *ActiveRide) Settle(now time.Time) Settlement {
	duration := 0
	if r.StartedAt != nil {
		duration = int(now.Sub(*r.StartedAt).Minutes())
	}
	return Settlement{
		RideID:          r.ID,
		Outcome:         r.Status,
		FareMinor:       r.FareMinor,
		DistanceKM:      r.DistanceKM,
		DurationMinutes: duration,
		AcceptedAt:      r.AcceptedAt,
		SettledAt:       now,
	}
}

// Clone returns a defensive copy for read-only snapshots.
func (r *ActiveRide) Clone() *ActiveRide {
	if r == nil {
		return nil
	}
	dup := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		dup.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}

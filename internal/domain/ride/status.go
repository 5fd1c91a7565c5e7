package ride

import (
	"errors"
	"strings"
)

// Status is the driver-side lifecycle state of the current ride (or the
// absence of one). The same values are used by the backend in authoritative
// `ride:status` events and in the reconciliation response.
type Status string

const (
	StatusIdle            Status = "IDLE"
	StatusOfferPending    Status = "OFFER_PENDING"
	StatusEnRouteToPickup Status = "EN_ROUTE_TO_PICKUP"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
	StatusReconciling     Status = "RECONCILING"
)

var ErrInvalidStatus = errors.New("invalid ride status")

// ParseStatus normalizes (uppercases+trims) and validates a status string.
func ParseStatus(in string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(in)))
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidStatus
}

// Valid reports whether status is one of the allowed status constants.
func (status Status) Valid() bool {
	switch status {
	case StatusIdle, StatusOfferPending, StatusEnRouteToPickup, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusReconciling:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Status.
func (status Status) String() string {
	return string(status)
}

// Terminal indicates if the status ends the ride. Terminal states are
// transient on the driver side: the machine settles and returns to IDLE.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusCancelled
}

// Active reports whether the driver is committed to a ride in this status.
func (status Status) Active() bool {
	return status == StatusEnRouteToPickup || status == StatusInProgress
}

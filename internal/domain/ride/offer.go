package ride

import (
	"errors"
	"strings"
	"time"
)

// GeoPoint is a named location used for pickup and destination.
type GeoPoint struct {
	Address string
	Lat     float64
	Lng     float64
}

// Rider is the minimal rider info shown to the driver with an offer.
type Rider struct {
	Name   string
	Rating float64
}

// Offer is a proposed ride awaiting the driver's accept/reject decision.
// At most one Offer is pending at a time; a newer offer supersedes it.
type Offer struct {
	ID               string
	Rider            Rider
	Pickup           GeoPoint
	Destination      GeoPoint
	FareMinor        int64 // currency minor units
	DistanceKM       float64
	EstimatedMinutes int
	IssuedAt         time.Time
	ExpiresAt        time.Time
}

var (
	ErrOfferIDRequired   = errors.New("offer id is required")
	ErrNegativeDistance  = errors.New("distance must be non-negative")
	ErrNegativeDuration  = errors.New("estimated minutes must be non-negative")
	ErrExpiryBeforeIssue = errors.New("offer expiry must be after issue time")
)

// NewOffer validates and constructs an Offer.
func NewOffer(id string, rider Rider, pickup, destination GeoPoint, fareMinor int64, distanceKM float64, estimatedMinutes int, issuedAt, expiresAt time.Time) (*Offer, error) {
	if id = strings.TrimSpace(id); id == "" {
		return nil, ErrOfferIDRequired
	}
	if distanceKM < 0 {
		return nil, ErrNegativeDistance
	}
	if estimatedMinutes < 0 {
		return nil, ErrNegativeDuration
	}
	if !expiresAt.After(issuedAt) {
		return nil, ErrExpiryBeforeIssue
	}

	return &Offer{
		ID:               id,
		Rider:            rider,
		Pickup:           pickup,
		Destination:      destination,
		FareMinor:        fareMinor,
		DistanceKM:       distanceKM,
		EstimatedMinutes: estimatedMinutes,
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
	}, nil
}

// Expired reports whether the offer's TTL has elapsed at the given moment.
func (offer *Offer) Expired(now time.Time) bool {
	return now.After(offer.ExpiresAt)
}

// Clone returns a defensive copy for read-only snapshots.
func (offer *Offer) Clone() *Offer {
	if offer == nil {
		return nil
	}
	dup := *offer
	return &dup
}

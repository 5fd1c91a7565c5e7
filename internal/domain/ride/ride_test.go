package ride

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testOffer(t *testing.T, id string) *Offer {
	t.Helper()
	offer, err := NewOffer(id,
		Rider{Name: "Aliya", Rating: 4.9},
		GeoPoint{Address: "12 Abay Ave", Lat: 43.24, Lng: 76.91},
		GeoPoint{Address: "88 Dostyk Ave", Lat: 43.23, Lng: 76.95},
		1200, 5.4, 14, t0, t0.Add(30*time.Second),
	)
	if err != nil {
		t.Fatalf("NewOffer: %v", err)
	}
	return offer
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus("  en_route_to_pickup ")
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	if got != StatusEnRouteToPickup {
		t.Fatalf("expected EN_ROUTE_TO_PICKUP, got %s", got)
	}

	if _, err := ParseStatus("WARP_SPEED"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestStatusTerminalAndActive(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() {
		t.Fatal("COMPLETED and CANCELLED must be terminal")
	}
	if StatusInProgress.Terminal() {
		t.Fatal("IN_PROGRESS must not be terminal")
	}
	if !StatusEnRouteToPickup.Active() || !StatusInProgress.Active() {
		t.Fatal("ride statuses must be active")
	}
	if StatusOfferPending.Active() {
		t.Fatal("OFFER_PENDING is not an active ride")
	}
}

func TestNewOfferValidation(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		dist    float64
		minutes int
		expires time.Time
		want    error
	}{
		{"missing id", "  ", 1, 1, t0.Add(time.Minute), ErrOfferIDRequired},
		{"negative distance", "r1", -1, 1, t0.Add(time.Minute), ErrNegativeDistance},
		{"negative duration", "r1", 1, -1, t0.Add(time.Minute), ErrNegativeDuration},
		{"expiry before issue", "r1", 1, 1, t0.Add(-time.Second), ErrExpiryBeforeIssue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewOffer(tc.id, Rider{}, GeoPoint{}, GeoPoint{}, 100, tc.dist, tc.minutes, t0, tc.expires)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOfferExpired(t *testing.T) {
	offer := testOffer(t, "r1")
	if offer.Expired(offer.ExpiresAt) {
		t.Fatal("offer must still be valid exactly at ExpiresAt")
	}
	if !offer.Expired(offer.ExpiresAt.Add(time.Millisecond)) {
		t.Fatal("offer must be expired past ExpiresAt")
	}
}

func TestRideHappyPath(t *testing.T) {
	offer := testOffer(t, "r1")
	r := RideFromOffer(offer, t0)

	if r.Status != StatusEnRouteToPickup || r.Version != 0 {
		t.Fatalf("fresh ride: status=%s version=%d", r.Status, r.Version)
	}

	if err := r.Start(t0.Add(5 * time.Minute)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Status != StatusInProgress || r.StartedAt == nil {
		t.Fatal("Start must move to IN_PROGRESS and stamp StartedAt")
	}

	settlement, err := r.Complete(t0.Add(19 * time.Minute))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if settlement.Outcome != StatusCompleted || settlement.FareMinor != 1200 {
		t.Fatalf("settlement: %+v", settlement)
	}
	if settlement.DurationMinutes != 14 {
		t.Fatalf("expected 14 minute duration, got %d", settlement.DurationMinutes)
	}
}

func TestRideInvalidTransitions(t *testing.T) {
	r := RideFromOffer(testOffer(t, "r1"), t0)

	if _, err := r.Complete(t0); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("complete before start: %v", err)
	}
	if err := r.Start(t0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(t0); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("double start: %v", err)
	}

	if _, err := r.Complete(t0); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := r.Cancel(t0); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("cancel after terminal: %v", err)
	}
}

func TestObserveVersionMonotonic(t *testing.T) {
	r := RideFromOffer(testOffer(t, "r1"), t0)

	if !r.ObserveVersion(StatusEnRouteToPickup, 3, t0) {
		t.Fatal("version 3 must apply over 0")
	}
	if r.ObserveVersion(StatusInProgress, 3, t0) {
		t.Fatal("equal version must be discarded")
	}
	if r.ObserveVersion(StatusInProgress, 2, t0) {
		t.Fatal("older version must be discarded")
	}
	if r.Status != StatusEnRouteToPickup {
		t.Fatalf("discarded events must not change status, got %s", r.Status)
	}

	if !r.ObserveVersion(StatusInProgress, 4, t0.Add(time.Minute)) {
		t.Fatal("version 4 must apply")
	}
	if r.StartedAt == nil {
		t.Fatal("IN_PROGRESS via event must stamp StartedAt")
	}
}

func TestCloneIsDefensive(t *testing.T) {
	r := RideFromOffer(testOffer(t, "r1"), t0)
	_ = r.Start(t0)

	dup := r.Clone()
	dup.Status = StatusCancelled
	*dup.StartedAt = t0.Add(time.Hour)

	if r.Status != StatusInProgress {
		t.Fatal("mutating the clone changed the original status")
	}
	if !r.StartedAt.Equal(t0) {
		t.Fatal("mutating the clone changed the original StartedAt")
	}

	var nilRide *ActiveRide
	if nilRide.Clone() != nil {
		t.Fatal("nil clone must stay nil")
	}
}

func TestParseCommand(t *testing.T) {
	got, err := ParseCommand(" accept ")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if got != CommandAccept {
		t.Fatalf("expected ACCEPT, got %s", got)
	}
	if _, err := ParseCommand("teleport"); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

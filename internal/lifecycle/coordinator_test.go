package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"driverlink/internal/contracts"
	"driverlink/internal/domain/ride"
	"driverlink/internal/journal"
	"driverlink/internal/logger"
	"driverlink/internal/reconcile"
	"driverlink/internal/session"
	"driverlink/internal/transport"
)

// fakeChannel records outbound commands and lets tests inject events and
// connection state changes.
type fakeChannel struct {
	events chan transport.Event
	states chan transport.StateChange

	mu   sync.Mutex
	sent []sentCommand
}

type sentCommand struct {
	name string
	cmd  contracts.RideCommand
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan transport.Event, 16),
		states: make(chan transport.StateChange, 16),
	}
}

func (f *fakeChannel) Events() <-chan transport.Event       { return f.events }
func (f *fakeChannel) States() <-chan transport.StateChange { return f.states }
func (f *fakeChannel) Close() error                         { return nil }

func (f *fakeChannel) Send(_ context.Context, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var cmd contracts.RideCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{name: name, cmd: cmd})
	return nil
}

func (f *fakeChannel) sentNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.sent))
	for i, s := range f.sent {
		names[i] = s.name
	}
	return names
}

func (f *fakeChannel) countSent(name string) int {
	n := 0
	for _, s := range f.sentNames() {
		if s == name {
			n++
		}
	}
	return n
}

// fakeFetcher answers reconciliation fetches, optionally blocking until
// released.
type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	resp  reconcile.Status
	err   error
	gate  chan struct{}
}

func (f *fakeFetcher) CurrentRide(ctx context.Context, _ string) (reconcile.Status, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	resp, err := f.resp, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return reconcile.Status{}, ctx.Err()
		}
	}
	return resp, err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	coord   *Coordinator
	channel *fakeChannel
	fetcher *fakeFetcher
	journal *journal.Memory
}

func newHarness(t *testing.T, opts Options, fetcher *fakeFetcher) *harness {
	t.Helper()

	sess, err := session.New("driver-042", "Nurlan S.", "test-token")
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if fetcher == nil {
		fetcher = &fakeFetcher{}
	}

	ch := newFakeChannel()
	jrnl := journal.NewMemory()
	coord := NewCoordinator(sess, ch, fetcher, jrnl, opts, logger.New("driver-agent-test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{coord: coord, channel: ch, fetcher: fetcher, journal: jrnl}
}

func (h *harness) pushOffer(t *testing.T, id string, ttl time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	h.pushEvent(t, contracts.EventRideRequest, contracts.RideOfferEvent{
		RideID:           id,
		Rider:            contracts.RiderBrief{Name: "Aliya", Rating: 4.9},
		Pickup:           contracts.GeoPoint{Lat: 43.24, Lng: 76.91, Address: "12 Abay Ave"},
		Destination:      contracts.GeoPoint{Lat: 43.23, Lng: 76.95, Address: "88 Dostyk Ave"},
		FareMinor:        1200,
		DistanceKM:       5.4,
		EstimatedMinutes: 14,
		IssuedAt:         now,
		ExpiresAt:        now.Add(ttl),
	})
}

func (h *harness) pushStatus(t *testing.T, id string, status ride.Status, version int64) {
	t.Helper()
	h.pushEvent(t, contracts.EventRideStatus, contracts.RideStatusEvent{
		RideID: id, Status: status.String(), Version: version, Timestamp: time.Now().UTC(),
	})
}

func (h *harness) pushEvent(t *testing.T, name string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	h.channel.events <- transport.Event{Name: name, Payload: raw, ReceivedAt: time.Now().UTC()}
}

func (h *harness) submit(t *testing.T, command ride.Command, target string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.coord.Submit(ctx, command, target)
}

// waitUpdate consumes updates until one of the wanted kind arrives.
func (h *harness) waitUpdate(t *testing.T, kind UpdateKind) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-h.coord.Updates():
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s update", kind)
		}
	}
}

func (h *harness) waitSnapshot(t *testing.T, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := h.coord.Snapshot()
		if ok(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for snapshot, last: %+v", h.coord.Snapshot())
	return Snapshot{}
}

func TestHappyPathSettlesAndReturnsToIdle(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: time.Second}, nil)

	h.pushOffer(t, "r1", time.Minute)
	offer := h.waitUpdate(t, UpdateOffer)
	if offer.Offer == nil || offer.Offer.ID != "r1" {
		t.Fatalf("offer update: %+v", offer)
	}

	if err := h.submit(t, ride.CommandAccept, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusEnRouteToPickup })
	h.pushStatus(t, "r1", ride.StatusEnRouteToPickup, 1)

	if err := h.submit(t, ride.CommandStart, "r1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.pushStatus(t, "r1", ride.StatusInProgress, 2)
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusInProgress })

	if err := h.submit(t, ride.CommandComplete, "r1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	u := h.waitUpdate(t, UpdateSettlement)
	if u.Settlement == nil || u.Settlement.Outcome != ride.StatusCompleted || u.Settlement.FareMinor != 1200 {
		t.Fatalf("settlement update: %+v", u.Settlement)
	}

	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusIdle && s.Active == nil })

	entries := h.journal.Entries()
	if len(entries) != 1 || entries[0].RideID != "r1" || entries[0].Outcome != ride.StatusCompleted {
		t.Fatalf("journal entries: %+v", entries)
	}

	want := []string{contracts.CommandRideAccept, contracts.CommandRideStart, contracts.CommandRideComplete}
	got := h.channel.sentNames()
	if len(got) != len(want) {
		t.Fatalf("sent commands: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent commands: %v", got)
		}
	}
}

func TestDuplicateAcceptEmitsOnce(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: time.Second}, nil)

	h.pushOffer(t, "r1", time.Minute)
	h.waitUpdate(t, UpdateOffer)

	if err := h.submit(t, ride.CommandAccept, "r1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := h.submit(t, ride.CommandAccept, "r1"); !errors.Is(err, ride.ErrDuplicateCommand) {
		t.Fatalf("second accept: %v", err)
	}

	if n := h.channel.countSent(contracts.CommandRideAccept); n != 1 {
		t.Fatalf("expected exactly one ride:accept, got %d", n)
	}
}

func TestOfferExpiresWithoutDecision(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: time.Second}, nil)

	h.pushOffer(t, "r1", 30*time.Millisecond)
	h.waitUpdate(t, UpdateOffer)

	u := h.waitUpdate(t, UpdateOfferWithdrawn)
	if u.RideID != "r1" || u.Reason != "expired" {
		t.Fatalf("withdrawal update: %+v", u)
	}

	if err := h.submit(t, ride.CommandAccept, "r1"); err == nil {
		t.Fatal("accept after expiry must fail")
	}
	if n := h.channel.countSent(contracts.CommandRideAccept); n != 0 {
		t.Fatalf("expired offer must not emit accept, got %d", n)
	}
}

func TestNewOfferSupersedesPending(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: time.Second}, nil)

	h.pushOffer(t, "r1", time.Minute)
	h.waitUpdate(t, UpdateOffer)
	h.pushOffer(t, "r2", time.Minute)

	u := h.waitUpdate(t, UpdateOfferWithdrawn)
	if u.RideID != "r1" || u.Reason != "superseded" {
		t.Fatalf("supersession update: %+v", u)
	}

	snap := h.waitSnapshot(t, func(s Snapshot) bool { return s.Offer != nil && s.Offer.ID == "r2" })
	if snap.Status != ride.StatusOfferPending {
		t.Fatalf("snapshot after supersession: %+v", snap)
	}
}

func TestCancellationSettlesAndStopsRetries(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: 50 * time.Millisecond}, nil)

	h.pushOffer(t, "r1", time.Minute)
	h.waitUpdate(t, UpdateOffer)
	if err := h.submit(t, ride.CommandAccept, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	h.pushEvent(t, contracts.EventRideCancelled, contracts.RideCancelledEvent{RideID: "r1", Reason: "rider_cancelled"})

	u := h.waitUpdate(t, UpdateSettlement)
	if u.Settlement == nil || u.Settlement.Outcome != ride.StatusCancelled {
		t.Fatalf("settlement update: %+v", u.Settlement)
	}
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusIdle })

	// the pending accept was discarded with the ride: no retries fire
	time.Sleep(150 * time.Millisecond)
	if n := h.channel.countSent(contracts.CommandRideAccept); n != 1 {
		t.Fatalf("expected no retries after cancellation, got %d sends", n)
	}
}

func TestUnavailableRollsBackOptimisticAccept(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: time.Second}, nil)

	h.pushOffer(t, "r1", time.Minute)
	h.waitUpdate(t, UpdateOffer)
	if err := h.submit(t, ride.CommandAccept, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	h.pushEvent(t, contracts.EventRideUnavailable, contracts.RideUnavailableEvent{RideID: "r1", Reason: "claimed_by_other_driver"})

	u := h.waitUpdate(t, UpdateCommandFailed)
	if !errors.Is(u.Err, ride.ErrRideNoLongerAvailable) || u.Command != ride.CommandAccept {
		t.Fatalf("rollback update: %+v", u)
	}
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusIdle && s.Active == nil })
}

func TestUnavailableWithdrawsPendingOffer(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: time.Second}, nil)

	h.pushOffer(t, "r1", time.Minute)
	h.waitUpdate(t, UpdateOffer)

	h.pushEvent(t, contracts.EventRideUnavailable, contracts.RideUnavailableEvent{RideID: "r1", Reason: "claimed_by_other_driver"})

	u := h.waitUpdate(t, UpdateOfferWithdrawn)
	if u.RideID != "r1" {
		t.Fatalf("withdrawal update: %+v", u)
	}
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusIdle })
}

func TestAckTimeoutRetriesOnceThenReconciles(t *testing.T) {
	fetcher := &fakeFetcher{resp: reconcile.Status{}} // backend: no active ride
	h := newHarness(t, Options{
		AckTimeout:         40 * time.Millisecond,
		ReconcileBaseDelay: time.Millisecond,
	}, fetcher)

	h.pushOffer(t, "r1", time.Minute)
	h.waitUpdate(t, UpdateOffer)
	if err := h.submit(t, ride.CommandAccept, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	u := h.waitUpdate(t, UpdateCommandFailed)
	if !errors.Is(u.Err, ride.ErrCommandTimedOut) {
		t.Fatalf("timeout update: %+v", u)
	}
	if n := h.channel.countSent(contracts.CommandRideAccept); n != 2 {
		t.Fatalf("expected initial send plus one retry, got %d", n)
	}

	h.waitUpdate(t, UpdateReconciled)
	if fetcher.callCount() == 0 {
		t.Fatal("timeout must trigger a reconciliation fetch")
	}
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusIdle })
}

func TestStartupSyncReconstructsActiveRide(t *testing.T) {
	rideID := "r5"
	fetcher := &fakeFetcher{resp: reconcile.Status{RideID: &rideID, Status: ride.StatusInProgress, Version: 3}}
	h := newHarness(t, Options{
		AckTimeout:         time.Second,
		ReconnectGrace:     20 * time.Millisecond,
		ReconcileBaseDelay: time.Millisecond,
	}, fetcher)

	// the process restarted mid-ride: first connect adopts the server's view
	h.channel.states <- transport.StateChange{State: transport.StateConnected, At: time.Now().UTC()}

	h.waitUpdate(t, UpdateReconciled)

	snap := h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusInProgress })
	if snap.Active == nil || snap.Active.ID != "r5" || snap.Active.Version != 3 {
		t.Fatalf("reconstructed ride: %+v", snap.Active)
	}
}

func TestLongReconnectGapReconciles(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, Options{
		AckTimeout:         time.Second,
		ReconnectGrace:     20 * time.Millisecond,
		ReconcileBaseDelay: time.Millisecond,
	}, fetcher)

	now := time.Now().UTC()
	h.channel.states <- transport.StateChange{State: transport.StateConnected, At: now}
	h.waitUpdate(t, UpdateReconciled)

	h.channel.states <- transport.StateChange{State: transport.StateDisconnected, At: now.Add(time.Second)}
	h.channel.states <- transport.StateChange{State: transport.StateConnected, At: now.Add(2 * time.Second)}

	h.waitUpdate(t, UpdateReconciled)
	if fetcher.callCount() != 2 {
		t.Fatalf("expected startup plus gap fetch, got %d", fetcher.callCount())
	}
}

func TestShortReconnectGapSkipsReconcile(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, Options{
		AckTimeout:     time.Second,
		ReconnectGrace: 100 * time.Millisecond,
	}, fetcher)

	// first connect performs the startup sync
	now := time.Now().UTC()
	h.channel.states <- transport.StateChange{State: transport.StateConnected, At: now}
	h.waitUpdate(t, UpdateReconciled)
	if fetcher.callCount() != 1 {
		t.Fatalf("startup sync fetches once, got %d", fetcher.callCount())
	}

	h.channel.states <- transport.StateChange{State: transport.StateDisconnected, At: now.Add(time.Second)}
	h.channel.states <- transport.StateChange{State: transport.StateConnected, At: now.Add(time.Second + 10*time.Millisecond)}

	h.waitSnapshot(t, func(s Snapshot) bool { return s.Conn == transport.StateConnected })
	if fetcher.callCount() != 1 {
		t.Fatal("gap within grace must not reconcile")
	}
}

func TestCommandsHeldDuringReconcileReplay(t *testing.T) {
	rideID := "r1"
	fetcher := &fakeFetcher{
		resp: reconcile.Status{RideID: &rideID, Status: ride.StatusEnRouteToPickup, Version: 2},
		gate: make(chan struct{}),
	}
	h := newHarness(t, Options{
		AckTimeout:         time.Second,
		ReconnectGrace:     10 * time.Millisecond,
		ReconcileBaseDelay: time.Millisecond,
	}, fetcher)

	h.pushOffer(t, "r1", time.Minute)
	h.waitUpdate(t, UpdateOffer)
	if err := h.submit(t, ride.CommandAccept, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// force reconciliation; the fetch blocks on the gate
	now := time.Now().UTC()
	h.channel.states <- transport.StateChange{State: transport.StateDisconnected, At: now}
	h.channel.states <- transport.StateChange{State: transport.StateConnected, At: now.Add(time.Second)}
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusReconciling })

	startErr := make(chan error, 1)
	go func() {
		startErr <- h.submit(t, ride.CommandStart, "r1")
	}()

	// the held command must not run before reconciliation resolves
	time.Sleep(30 * time.Millisecond)
	select {
	case err := <-startErr:
		t.Fatalf("start replied before reconciliation resolved: %v", err)
	default:
	}

	close(fetcher.gate)

	if err := <-startErr; err != nil {
		t.Fatalf("replayed start: %v", err)
	}
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusInProgress })
}

func TestReconcileGivesUpAndRequiresSupport(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("backend unreachable")}
	h := newHarness(t, Options{
		AckTimeout:           time.Second,
		ReconnectGrace:       10 * time.Millisecond,
		ReconcileBaseDelay:   time.Millisecond,
		ReconcileMaxDelay:    2 * time.Millisecond,
		ReconcileMaxAttempts: 2,
	}, fetcher)

	now := time.Now().UTC()
	h.channel.states <- transport.StateChange{State: transport.StateDisconnected, At: now}
	h.channel.states <- transport.StateChange{State: transport.StateConnected, At: now.Add(time.Second)}

	h.waitUpdate(t, UpdateSupportRequired)
	if fetcher.callCount() != 2 {
		t.Fatalf("expected 2 fetch attempts, got %d", fetcher.callCount())
	}

	if err := h.submit(t, ride.CommandAccept, "r9"); !errors.Is(err, ride.ErrReconciliationFailed) {
		t.Fatalf("command after giving up: %v", err)
	}
}

func TestStaleStatusVersionIsDiscarded(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: time.Second}, nil)

	h.pushOffer(t, "r1", time.Minute)
	h.waitUpdate(t, UpdateOffer)
	if err := h.submit(t, ride.CommandAccept, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	h.pushStatus(t, "r1", ride.StatusInProgress, 5)
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status == ride.StatusInProgress })

	// redelivered older event must not regress the ride
	h.pushStatus(t, "r1", ride.StatusEnRouteToPickup, 4)
	time.Sleep(20 * time.Millisecond)

	snap := h.coord.Snapshot()
	if snap.Status != ride.StatusInProgress || snap.Active == nil || snap.Active.Version != 5 {
		t.Fatalf("stale version applied: %+v", snap)
	}
}

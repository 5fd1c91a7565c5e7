package lifecycle

import (
	"time"

	"driverlink/internal/domain/ride"
)

// Machine is the pure ride lifecycle state machine. It owns the single
// pending Offer and the single ActiveRide for the session and decides which
// events and commands are valid in the current state. It has no goroutines
// and no I/O; the Coordinator serializes all calls through one queue.
type Machine struct {
	status ride.Status
	offer  *ride.Offer
	active *ride.ActiveRide

	// decided guards accept/reject exactly-once per offer id. Entries are
	// pruned when the ride settles.
	decided map[string]ride.Command
}

// NewMachine starts in IDLE with nothing pending.
func NewMachine() *Machine {
	return &Machine{
		status:  ride.StatusIdle,
		decided: make(map[string]ride.Command),
	}
}

// Status returns the current lifecycle state.
func (m *Machine) Status() ride.Status { return m.status }

// Offer returns a read-only copy of the pending offer, if any.
func (m *Machine) Offer() *ride.Offer { return m.offer.Clone() }

// Active returns a read-only copy of the active ride, if any.
func (m *Machine) Active() *ride.ActiveRide { return m.active.Clone() }

// OfferReceived handles an inbound `ride:request`. A new offer arriving while
// one is pending supersedes it; the superseded offer is returned so the
// caller can report the withdrawal. Offers are rejected while a ride is
// active or while reconciling.
func (m *Machine) OfferReceived(offer *ride.Offer, now time.Time) (superseded *ride.Offer, err error) {
	if _, ok := m.decided[offer.ID]; ok {
		// redelivered offer for a ride already decided
		return nil, ride.ErrStaleEvent
	}

	switch m.status {
	case ride.StatusIdle:
		m.offer = offer
		m.status = ride.StatusOfferPending
		return nil, nil

	case ride.StatusOfferPending:
		old := m.offer
		m.offer = offer
		return old, nil

	default:
		return nil, ride.ErrInvalidStateTransition
	}
}

// Accept handles the driver's accept command. On success the offer becomes
// the ActiveRide and the machine moves to EN_ROUTE_TO_PICKUP. Accepting an
// expired offer fails with ErrOfferExpired and leaves the machine IDLE.
func (m *Machine) Accept(offerID string, now time.Time) (*ride.ActiveRide, error) {
	if m.status == ride.StatusReconciling {
		return nil, ride.ErrReconciling
	}
	if _, ok := m.decided[offerID]; ok {
		return nil, ride.ErrDuplicateCommand
	}
	if m.status != ride.StatusOfferPending || m.offer == nil || m.offer.ID != offerID {
		return nil, ride.ErrInvalidStateTransition
	}

	if m.offer.Expired(now) {
		m.offer = nil
		m.status = ride.StatusIdle
		return nil, ride.ErrOfferExpired
	}

	m.active = ride.RideFromOffer(m.offer, now)
	m.offer = nil
	m.status = ride.StatusEnRouteToPickup
	m.decided[offerID] = ride.CommandAccept

	return m.active, nil
}

// Reject handles the driver's reject command and returns to IDLE.
func (m *Machine) Reject(offerID string, now time.Time) error {
	if m.status == ride.StatusReconciling {
		return ride.ErrReconciling
	}
	if _, ok := m.decided[offerID]; ok {
		return ride.ErrDuplicateCommand
	}
	if m.status != ride.StatusOfferPending || m.offer == nil || m.offer.ID != offerID {
		return ride.ErrInvalidStateTransition
	}

	m.offer = nil
	m.status = ride.StatusIdle
	m.decided[offerID] = ride.CommandReject

	return nil
}

// OfferExpired handles the expiry timer. It reports whether the offer was
// still pending; a false return means the timer raced with a decision or a
// supersession and there is nothing to do.
func (m *Machine) OfferExpired(offerID string) bool {
	if m.status != ride.StatusOfferPending || m.offer == nil || m.offer.ID != offerID {
		return false
	}
	m.offer = nil
	m.status = ride.StatusIdle
	return true
}

// OfferWithdrawn handles a server-side withdrawal of the pending offer
// (cancelled or claimed elsewhere before the driver decided).
func (m *Machine) OfferWithdrawn(offerID string) bool {
	return m.OfferExpired(offerID)
}

// Start handles the driver's start command: EN_ROUTE_TO_PICKUP -> IN_PROGRESS.
func (m *Machine) Start(rideID string, now time.Time) error {
	if m.status == ride.StatusReconciling {
		return ride.ErrReconciling
	}
	if m.active == nil || m.active.ID != rideID {
		return ride.ErrInvalidStateTransition
	}
	if err := m.active.Start(now); err != nil {
		return err
	}
	m.status = ride.StatusInProgress
	return nil
}

// Complete handles the driver's complete command. The ride settles and the
// machine returns to IDLE once the settlement is recorded by the caller.
func (m *Machine) Complete(rideID string, now time.Time) (ride.Settlement, error) {
	if m.status == ride.StatusReconciling {
		return ride.Settlement{}, ride.ErrReconciling
	}
	if m.active == nil || m.active.ID != rideID {
		return ride.Settlement{}, ride.ErrInvalidStateTransition
	}

	settlement, err := m.active.Complete(now)
	if err != nil {
		return ride.Settlement{}, err
	}

	m.clearRide(rideID)
	return settlement, nil
}

// Cancelled handles an authoritative `ride:cancelled` event. It overrides any
// local state for the ride: a pending offer is withdrawn, an active ride is
// cancelled and settled. hadRide reports whether a settlement was produced.
func (m *Machine) Cancelled(rideID string, now time.Time) (settlement ride.Settlement, hadRide bool, err error) {
	if m.status == ride.StatusOfferPending && m.offer != nil && m.offer.ID == rideID {
		m.offer = nil
		m.status = ride.StatusIdle
		return ride.Settlement{}, false, nil
	}

	if m.active != nil && m.active.ID == rideID {
		settlement, err = m.active.Cancel(now)
		if err != nil {
			return ride.Settlement{}, false, err
		}
		m.clearRide(rideID)
		return settlement, true, nil
	}

	return ride.Settlement{}, false, ride.ErrStaleEvent
}

// StatusEvent applies an authoritative `ride:status` event. Events for
// unknown ride ids fail with ErrStaleEvent; events whose version is not
// strictly greater than the current one are discarded (applied=false, no
// error). A terminal status settles the ride and returns the settlement.
func (m *Machine) StatusEvent(rideID string, status ride.Status, version int64, now time.Time) (applied bool, settlement *ride.Settlement, err error) {
	if m.active == nil || m.active.ID != rideID {
		return false, nil, ride.ErrStaleEvent
	}
	if !status.Valid() || status == ride.StatusIdle || status == ride.StatusOfferPending || status == ride.StatusReconciling {
		return false, nil, ride.ErrInvalidStatus
	}

	if !m.active.ObserveVersion(status, version, now) {
		return false, nil, nil
	}

	if m.active.Status.Terminal() {
		s := m.active.Settle(now)
		m.clearRide(rideID)
		return true, &s, nil
	}

	if m.status != ride.StatusReconciling {
		m.status = m.active.Status
	}
	return true, nil, nil
}

// Rollback undoes an optimistic accept after the backend reported the ride
// was claimed elsewhere. The offer id stays decided so the command cannot be
// re-emitted.
func (m *Machine) Rollback(rideID string) error {
	if m.active == nil || m.active.ID != rideID {
		return ride.ErrStaleEvent
	}
	m.active = nil
	if m.status != ride.StatusReconciling {
		m.status = ride.StatusIdle
	}
	return nil
}

// EnterReconciling suspends local commands until server truth is resolved.
func (m *Machine) EnterReconciling() {
	m.status = ride.StatusReconciling
}

// ResolveReconcile installs the authoritative status fetched from the
// backend. The server value wins unconditionally: local state is replaced,
// reconstructed (cold start), or cleared. A terminal server status settles
// any local ride; the returned settlement is nil when there is nothing
// meaningful to record.
func (m *Machine) ResolveReconcile(rideID *string, status ride.Status, version int64, now time.Time) *ride.Settlement {
	if rideID == nil {
		m.offer = nil
		m.active = nil
		m.status = ride.StatusIdle
		return nil
	}

	if m.active != nil && m.active.ID == *rideID {
		// local ride survives; adopt server status and version verbatim
		m.active.Status = status
		m.active.Version = version
		if status.Terminal() {
			s := m.active.Settle(now)
			m.clearRide(*rideID)
			return &s
		}
		m.status = status
		return nil
	}

	// cold-start recovery: reconstruct from the authoritative response
	m.offer = nil
	if status.Terminal() {
		m.active = nil
		m.status = ride.StatusIdle
		return nil
	}
	m.active = &ride.ActiveRide{
		ID:         *rideID,
		Status:     status,
		Version:    version,
		AcceptedAt: now,
	}
	m.status = status
	return nil
}

func (m *Machine) clearRide(rideID string) {
	m.active = nil
	delete(m.decided, rideID)
	if m.status != ride.StatusReconciling {
		m.status = ride.StatusIdle
	}
}

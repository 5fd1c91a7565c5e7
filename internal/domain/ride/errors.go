package ride

import "errors"

// Coordination failure taxonomy. None of these is fatal; they surface to the
// presentation boundary as typed results.
var (
	// ErrOfferExpired: accept arrived after the offer TTL elapsed.
	ErrOfferExpired = errors.New("offer has expired")

	// ErrDuplicateCommand: the offer/ride was already decided or the same
	// command is already in flight; nothing is re-emitted to the backend.
	ErrDuplicateCommand = errors.New("duplicate command for this ride")

	// ErrRideNoLongerAvailable: the backend rejected an optimistic accept
	// (usually another driver claimed the ride first).
	ErrRideNoLongerAvailable = errors.New("ride is no longer available")

	// ErrCommandTimedOut: no acknowledgment after the retry budget.
	ErrCommandTimedOut = errors.New("command acknowledgment timed out")

	// ErrStaleEvent: inbound event references a ride id unknown to local
	// state. Discarded, logged, and used as a staleness signal.
	ErrStaleEvent = errors.New("stale event for unknown ride")

	// ErrReconciliationFailed: the authoritative status fetch kept failing.
	ErrReconciliationFailed = errors.New("reconciliation failed")

	// ErrReconciling: local commands are suspended until reconciliation
	// resolves; held commands are replayed in order.
	ErrReconciling = errors.New("reconciling with server")
)

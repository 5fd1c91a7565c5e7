package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"driverlink/internal/contracts"
	"driverlink/internal/domain/ride"
	"driverlink/internal/journal"
	"driverlink/internal/logger"
	"driverlink/internal/observability"
	"driverlink/internal/reconcile"
	"driverlink/internal/session"
	"driverlink/internal/transport"
)

// Options tunes the coordinator. Zero values get defaults.
type Options struct {
	AckTimeout           time.Duration // PendingCommand acknowledgment window
	ReconnectGrace       time.Duration // disconnect gaps longer than this trigger reconciliation
	ReconcileBaseDelay   time.Duration
	ReconcileMaxDelay    time.Duration
	ReconcileMaxAttempts int
	Producer             string // envelope producer name
}

func (o *Options) applyDefaults() {
	if o.AckTimeout == 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.ReconnectGrace == 0 {
		o.ReconnectGrace = 3 * time.Second
	}
	if o.ReconcileBaseDelay == 0 {
		o.ReconcileBaseDelay = time.Second
	}
	if o.ReconcileMaxDelay == 0 {
		o.ReconcileMaxDelay = 30 * time.Second
	}
	if o.ReconcileMaxAttempts == 0 {
		o.ReconcileMaxAttempts = 8
	}
	if o.Producer == "" {
		o.Producer = "driver-agent"
	}
}

// Coordinator is the single logical actor for the driver session. Inbound
// events, local commands, timers, and reconciliation results all funnel into
// one Run loop; nothing else touches the machine.
type Coordinator struct {
	logger  *logger.Logger
	sess    session.Session
	channel transport.Channel
	fetcher reconcile.Fetcher
	journal journal.Journal
	opts    Options

	machine *Machine

	submits       chan submitRequest
	timers        chan timerFire
	reconcileDone chan reconcileOutcome
	updates       chan Update

	snapshot atomic.Value // Snapshot

	// runCtx is the Run context; reconciliation fetches derive from it.
	runCtx context.Context

	// actor-owned state, never accessed outside Run
	pending        map[pendingKey]*pendingCommand
	held           []submitRequest
	offerTimer     *time.Timer
	conn           transport.ConnState
	disconnectedAt time.Time
	synced         bool
	reconciling    bool
	supportNeeded  bool

	stopped chan struct{}
}

type submitRequest struct {
	command ride.Command
	target  string
	reply   chan error
}

type timerKind int

const (
	timerOfferExpiry timerKind = iota
	timerAck
)

type timerFire struct {
	kind    timerKind
	rideID  string
	command ride.Command
}

type pendingKey struct {
	command ride.Command
	rideID  string
}

// pendingCommand is an outbound action awaiting server acknowledgment. At
// most one per (kind, ride id) exists concurrently.
type pendingCommand struct {
	correlationID string
	submittedAt   time.Time
	attempts      int
	timer         *time.Timer
}

type reconcileOutcome struct {
	status reconcile.Status
	err    error
}

// NewCoordinator wires the actor. Call Run to start processing.
func NewCoordinator(sess session.Session, ch transport.Channel, fetcher reconcile.Fetcher, jrnl journal.Journal, opts Options, log *logger.Logger) *Coordinator {
	opts.applyDefaults()
	if jrnl == nil {
		jrnl = journal.NewMemory()
	}

	c := &Coordinator{
		logger:        log,
		sess:          sess,
		channel:       ch,
		fetcher:       fetcher,
		journal:       jrnl,
		opts:          opts,
		machine:       NewMachine(),
		submits:       make(chan submitRequest),
		timers:        make(chan timerFire, 16),
		reconcileDone: make(chan reconcileOutcome, 1),
		updates:       make(chan Update, 64),
		pending:       make(map[pendingKey]*pendingCommand),
		stopped:       make(chan struct{}),
	}
	c.snapshot.Store(Snapshot{Status: ride.StatusIdle})

	return c
}

// Updates streams typed notifications for the presentation surface. Slow
// consumers lose oldest-first; the snapshot is always authoritative.
func (c *Coordinator) Updates() <-chan Update { return c.updates }

// Snapshot returns the current read-only view of the lifecycle.
func (c *Coordinator) Snapshot() Snapshot {
	return c.snapshot.Load().(Snapshot)
}

// Submit queues a driver command for serialized processing and waits for the
// decision. Commands submitted while reconciling are held and replayed in
// submission order.
func (c *Coordinator) Submit(ctx context.Context, command ride.Command, target string) error {
	if !command.Valid() {
		return ride.ErrInvalidCommand
	}

	req := submitRequest{command: command, target: target, reply: make(chan error, 1)}

	select {
	case c.submits <- req:
	case <-c.stopped:
		return errors.New("lifecycle: coordinator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes the session until ctx is cancelled. It must not be called
// more than once.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	defer c.stopTimers()

	c.runCtx = ctx
	logCtx := c.logger.WithDriverID(ctx, c.sess.DriverID)
	c.logger.Info(logCtx, "coordinator_started", "Ride lifecycle coordinator started", nil)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info(logCtx, "coordinator_stopped", "Ride lifecycle coordinator stopped", nil)
			return nil

		case ev := <-c.channel.Events():
			c.handleEvent(logCtx, ev)

		case sc := <-c.channel.States():
			c.handleStateChange(logCtx, sc)

		case req := <-c.submits:
			c.handleSubmit(logCtx, req)

		case tf := <-c.timers:
			c.handleTimer(logCtx, tf)

		case out := <-c.reconcileDone:
			c.handleReconcileOutcome(logCtx, out)
		}

		c.publishSnapshot()
	}
}

// --- inbound events ---

func (c *Coordinator) handleEvent(ctx context.Context, ev transport.Event) {
	observability.EventsTotal.WithLabelValues(ev.Name).Inc()

	switch ev.Name {
	case contracts.EventRideRequest:
		c.handleOfferEvent(ctx, ev.Payload)
	case contracts.EventRideCancelled:
		c.handleCancelledEvent(ctx, ev.Payload)
	case contracts.EventRideStatus:
		c.handleStatusEvent(ctx, ev.Payload)
	case contracts.EventRideUnavailable:
		c.handleUnavailableEvent(ctx, ev.Payload)
	default:
		c.logger.Debug(ctx, "event_ignored", "Ignoring unknown channel event", map[string]any{"event": ev.Name})
	}
}

func (c *Coordinator) handleOfferEvent(ctx context.Context, payload json.RawMessage) {
	var body contracts.RideOfferEvent
	if err := json.Unmarshal(payload, &body); err != nil {
		c.logger.Error(ctx, "offer_decode_failed", "Failed to decode ride:request payload", err, nil)
		return
	}

	offer, err := ride.NewOffer(
		body.RideID,
		ride.Rider{Name: body.Rider.Name, Rating: body.Rider.Rating},
		ride.GeoPoint{Address: body.Pickup.Address, Lat: body.Pickup.Lat, Lng: body.Pickup.Lng},
		ride.GeoPoint{Address: body.Destination.Address, Lat: body.Destination.Lat, Lng: body.Destination.Lng},
		body.FareMinor,
		body.DistanceKM,
		body.EstimatedMinutes,
		body.IssuedAt,
		body.ExpiresAt,
	)
	if err != nil {
		c.logger.Error(ctx, "offer_invalid", "Rejecting malformed ride offer", err, map[string]any{"ride_id": body.RideID})
		return
	}

	superseded, err := c.machine.OfferReceived(offer, time.Now().UTC())
	switch {
	case errors.Is(err, ride.ErrStaleEvent):
		c.discardStale(ctx, "offer", offer.ID, false)
		return
	case err != nil:
		c.logger.Info(ctx, "offer_rejected_in_state", "Offer not acceptable in current state", map[string]any{
			"ride_id": offer.ID, "state": c.machine.Status().String(),
		})
		return
	}

	if superseded != nil {
		c.pushUpdate(Update{Kind: UpdateOfferWithdrawn, RideID: superseded.ID, Reason: "superseded"})
		c.logger.Info(ctx, "offer_superseded", "Pending offer superseded by a newer one", map[string]any{
			"old_ride_id": superseded.ID, "new_ride_id": offer.ID,
		})
	}

	c.armOfferTimer(offer)
	c.pushUpdate(Update{Kind: UpdateOffer, Status: c.machine.Status(), RideID: offer.ID, Offer: offer.Clone()})
	c.logger.Info(ctx, "offer_received", "Ride offer pending driver decision", map[string]any{
		"ride_id": offer.ID, "fare_minor": offer.FareMinor, "expires_at": offer.ExpiresAt,
	})
}

func (c *Coordinator) handleCancelledEvent(ctx context.Context, payload json.RawMessage) {
	var body contracts.RideCancelledEvent
	if err := json.Unmarshal(payload, &body); err != nil {
		c.logger.Error(ctx, "cancel_decode_failed", "Failed to decode ride:cancelled payload", err, nil)
		return
	}

	// authoritative: discard any in-flight command for the ride first
	c.clearPendingForRide(body.RideID)

	settlement, hadRide, err := c.machine.Cancelled(body.RideID, time.Now().UTC())
	if err != nil {
		c.discardStale(ctx, "cancel", body.RideID, true)
		return
	}

	c.stopOfferTimer()

	if hadRide {
		c.recordSettlement(ctx, settlement)
		c.pushUpdate(Update{Kind: UpdateSettlement, Status: c.machine.Status(), RideID: body.RideID, Settlement: &settlement, Reason: body.Reason})
	} else {
		c.pushUpdate(Update{Kind: UpdateOfferWithdrawn, RideID: body.RideID, Reason: "cancelled"})
	}

	c.logger.Info(ctx, "ride_cancelled", "Server cancelled the ride", map[string]any{
		"ride_id": body.RideID, "reason": body.Reason, "had_active_ride": hadRide,
	})
}

func (c *Coordinator) handleStatusEvent(ctx context.Context, payload json.RawMessage) {
	var body contracts.RideStatusEvent
	if err := json.Unmarshal(payload, &body); err != nil {
		c.logger.Error(ctx, "status_decode_failed", "Failed to decode ride:status payload", err, nil)
		return
	}

	status, err := ride.ParseStatus(body.Status)
	if err != nil {
		c.logger.Error(ctx, "status_invalid", "Unknown status in ride:status event", err, map[string]any{
			"ride_id": body.RideID, "status": body.Status,
		})
		return
	}

	applied, settlement, err := c.machine.StatusEvent(body.RideID, status, body.Version, time.Now().UTC())
	switch {
	case errors.Is(err, ride.ErrStaleEvent):
		c.discardStale(ctx, "status", body.RideID, true)
		return
	case err != nil:
		c.logger.Error(ctx, "status_rejected", "Rejected ride:status event", err, map[string]any{
			"ride_id": body.RideID, "status": body.Status, "version": body.Version,
		})
		return
	case !applied:
		// redelivered or out-of-order; logged only, no transition
		observability.StaleEventsTotal.WithLabelValues("old_version").Inc()
		c.logger.Debug(ctx, "status_version_discarded", "Discarded ride:status with non-advancing version", map[string]any{
			"ride_id": body.RideID, "version": body.Version,
		})
		return
	}

	c.ackPendingForStatus(body.RideID, status)

	if settlement != nil {
		c.clearPendingForRide(body.RideID)
		c.recordSettlement(ctx, *settlement)
		c.pushUpdate(Update{Kind: UpdateSettlement, Status: c.machine.Status(), RideID: body.RideID, Settlement: settlement})
	} else {
		c.pushUpdate(Update{Kind: UpdateStateChanged, Status: c.machine.Status(), RideID: body.RideID})
	}

	c.logger.Info(ctx, "status_applied", "Applied authoritative ride status", map[string]any{
		"ride_id": body.RideID, "status": status.String(), "version": body.Version,
	})
}

func (c *Coordinator) handleUnavailableEvent(ctx context.Context, payload json.RawMessage) {
	var body contracts.RideUnavailableEvent
	if err := json.Unmarshal(payload, &body); err != nil {
		c.logger.Error(ctx, "unavailable_decode_failed", "Failed to decode ride:unavailable payload", err, nil)
		return
	}

	if c.machine.OfferWithdrawn(body.RideID) {
		c.stopOfferTimer()
		c.pushUpdate(Update{Kind: UpdateOfferWithdrawn, RideID: body.RideID, Reason: body.Reason})
		c.logger.Info(ctx, "offer_withdrawn", "Server withdrew the pending offer", map[string]any{
			"ride_id": body.RideID, "reason": body.Reason,
		})
		return
	}

	if err := c.machine.Rollback(body.RideID); err != nil {
		c.discardStale(ctx, "unavailable", body.RideID, false)
		return
	}

	// optimistic accept lost the race; undo it and tell the driver
	c.clearPendingForRide(body.RideID)
	observability.RollbacksTotal.Inc()
	c.pushUpdate(Update{
		Kind:    UpdateCommandFailed,
		Status:  c.machine.Status(),
		RideID:  body.RideID,
		Command: ride.CommandAccept,
		Err:     ride.ErrRideNoLongerAvailable,
		Reason:  body.Reason,
	})
	c.logger.Info(ctx, "accept_rolled_back", "Server rejected optimistic accept; rolled back to idle", map[string]any{
		"ride_id": body.RideID, "reason": body.Reason,
	})
}

// discardStale counts and logs an event referencing a ride this session does
// not know. Events that imply the server has state we lack also trigger
// reconciliation.
func (c *Coordinator) discardStale(ctx context.Context, event, rideID string, reconcileWorthy bool) {
	observability.StaleEventsTotal.WithLabelValues("unknown_ride").Inc()
	c.logger.Info(ctx, "stale_event_discarded", "Discarded event for unknown ride", map[string]any{
		"event": event, "ride_id": rideID,
	})

	if reconcileWorthy {
		c.beginReconcile(ctx, "stale_event")
	}
}

// --- connection lifecycle ---

func (c *Coordinator) handleStateChange(ctx context.Context, sc transport.StateChange) {
	prev := c.conn
	c.conn = sc.State
	observability.ConnectionState.Set(float64(sc.State))

	switch sc.State {
	case transport.StateDisconnected:
		if c.disconnectedAt.IsZero() {
			c.disconnectedAt = sc.At
		}
		c.pushUpdate(Update{Kind: UpdateReconnecting, Status: c.machine.Status(), Reason: "disconnected"})

	case transport.StateConnected:
		gap := time.Duration(0)
		if !c.disconnectedAt.IsZero() {
			gap = sc.At.Sub(c.disconnectedAt)
		}
		c.disconnectedAt = time.Time{}

		// the first connect always syncs: the process may have restarted
		// mid-ride and the server still holds the truth
		if !c.synced {
			c.synced = true
			c.beginReconcile(ctx, "startup")
			return
		}

		if prev != transport.StateConnected && gap > c.opts.ReconnectGrace {
			c.logger.Info(ctx, "reconnect_gap_detected", "Reconnected after a gap; reconciling with server", map[string]any{
				"gap": gap.String(),
			})
			c.beginReconcile(ctx, "reconnect_gap")
		}
	}
}

// --- local commands ---

func (c *Coordinator) handleSubmit(ctx context.Context, req submitRequest) {
	if c.supportNeeded {
		req.reply <- ride.ErrReconciliationFailed
		return
	}
	if c.reconciling {
		// held and replayed in submission order once reconciliation resolves
		c.held = append(c.held, req)
		c.logger.Info(ctx, "command_held", "Holding command until reconciliation resolves", map[string]any{
			"command": req.command.String(), "ride_id": req.target,
		})
		return
	}

	now := time.Now().UTC()

	switch req.command {
	case ride.CommandAccept:
		if _, err := c.machine.Accept(req.target, now); err != nil {
			c.replyAndCount(req, err)
			if errors.Is(err, ride.ErrOfferExpired) {
				c.stopOfferTimer()
				c.pushUpdate(Update{Kind: UpdateOfferWithdrawn, RideID: req.target, Reason: "expired"})
			}
			return
		}
		c.stopOfferTimer()
		c.trackPending(req.command, req.target)
		c.emitCommand(ctx, contracts.CommandRideAccept, req.target, 1)
		c.replyAndCount(req, nil)
		c.pushUpdate(Update{Kind: UpdateStateChanged, Status: c.machine.Status(), RideID: req.target})

	case ride.CommandReject:
		if err := c.machine.Reject(req.target, now); err != nil {
			c.replyAndCount(req, err)
			return
		}
		c.stopOfferTimer()
		// fire-and-forget: the offer is already abandoned locally
		c.emitCommand(ctx, contracts.CommandRideReject, req.target, 1)
		c.replyAndCount(req, nil)
		c.pushUpdate(Update{Kind: UpdateStateChanged, Status: c.machine.Status(), RideID: req.target})

	case ride.CommandStart:
		if err := c.machine.Start(req.target, now); err != nil {
			c.replyAndCount(req, err)
			return
		}
		c.trackPending(req.command, req.target)
		c.emitCommand(ctx, contracts.CommandRideStart, req.target, 1)
		c.replyAndCount(req, nil)
		c.pushUpdate(Update{Kind: UpdateStateChanged, Status: c.machine.Status(), RideID: req.target})

	case ride.CommandComplete:
		settlement, err := c.machine.Complete(req.target, now)
		if err != nil {
			c.replyAndCount(req, err)
			return
		}
		c.trackPending(req.command, req.target)
		c.emitCommand(ctx, contracts.CommandRideComplete, req.target, 1)
		c.recordSettlement(ctx, settlement)
		c.replyAndCount(req, nil)
		c.pushUpdate(Update{Kind: UpdateSettlement, Status: c.machine.Status(), RideID: req.target, Settlement: &settlement})

	default:
		c.replyAndCount(req, ride.ErrInvalidCommand)
	}
}

func (c *Coordinator) replyAndCount(req submitRequest, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	observability.CommandsTotal.WithLabelValues(req.command.String(), result).Inc()
	req.reply <- err
}

// --- timers ---

func (c *Coordinator) handleTimer(ctx context.Context, tf timerFire) {
	switch tf.kind {
	case timerOfferExpiry:
		if !c.machine.OfferExpired(tf.rideID) {
			return // raced with a decision or supersession
		}
		observability.OfferExpiriesTotal.Inc()
		c.pushUpdate(Update{Kind: UpdateOfferWithdrawn, Status: c.machine.Status(), RideID: tf.rideID, Reason: "expired"})
		c.logger.Info(ctx, "offer_expired", "Offer expired without a decision", map[string]any{"ride_id": tf.rideID})

	case timerAck:
		key := pendingKey{command: tf.command, rideID: tf.rideID}
		p, ok := c.pending[key]
		if !ok {
			return // acknowledged or discarded before the timer fired
		}

		if p.attempts < 2 {
			// one retry, then surface; never more, to avoid double-claiming
			p.attempts++
			observability.CommandRetriesTotal.Inc()
			c.logger.Info(ctx, "command_retry", "No acknowledgment yet; re-emitting command once", map[string]any{
				"command": tf.command.String(), "ride_id": tf.rideID,
			})
			c.emitPending(ctx, key, p)
			p.timer = c.afterFunc(c.opts.AckTimeout, timerFire{kind: timerAck, rideID: tf.rideID, command: tf.command})
			return
		}

		delete(c.pending, key)
		observability.CommandsTotal.WithLabelValues(tf.command.String(), "timeout").Inc()
		c.pushUpdate(Update{
			Kind:    UpdateCommandFailed,
			Status:  c.machine.Status(),
			RideID:  tf.rideID,
			Command: tf.command,
			Err:     ride.ErrCommandTimedOut,
		})
		c.logger.Error(ctx, "command_timeout", "Command acknowledgment timed out after retry", ride.ErrCommandTimedOut, map[string]any{
			"command": tf.command.String(), "ride_id": tf.rideID,
		})

		// local state may have drifted from the server; check
		c.beginReconcile(ctx, "ack_timeout")
	}
}

func (c *Coordinator) afterFunc(d time.Duration, tf timerFire) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case c.timers <- tf:
		case <-c.stopped:
		}
	})
}

func (c *Coordinator) armOfferTimer(offer *ride.Offer) {
	c.stopOfferTimer()
	until := time.Until(offer.ExpiresAt)
	if until < 0 {
		until = 0
	}
	c.offerTimer = c.afterFunc(until, timerFire{kind: timerOfferExpiry, rideID: offer.ID})
}

func (c *Coordinator) stopOfferTimer() {
	if c.offerTimer != nil {
		c.offerTimer.Stop()
		c.offerTimer = nil
	}
}

func (c *Coordinator) stopTimers() {
	c.stopOfferTimer()
	for key, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, key)
	}
}

// --- outbound commands ---

func commandEventName(command ride.Command) string {
	switch command {
	case ride.CommandAccept:
		return contracts.CommandRideAccept
	case ride.CommandReject:
		return contracts.CommandRideReject
	case ride.CommandStart:
		return contracts.CommandRideStart
	default:
		return contracts.CommandRideComplete
	}
}

func (c *Coordinator) trackPending(command ride.Command, rideID string) {
	key := pendingKey{command: command, rideID: rideID}
	p := &pendingCommand{
		correlationID: uuid.NewString(),
		submittedAt:   time.Now().UTC(),
		attempts:      1,
	}
	p.timer = c.afterFunc(c.opts.AckTimeout, timerFire{kind: timerAck, rideID: rideID, command: command})
	c.pending[key] = p
}

func (c *Coordinator) emitCommand(ctx context.Context, name, rideID string, attempt int) {
	correlationID := uuid.NewString()
	for key, p := range c.pending {
		if key.rideID == rideID && commandEventName(key.command) == name {
			correlationID = p.correlationID
			break
		}
	}
	c.send(ctx, name, rideID, attempt, correlationID)
}

func (c *Coordinator) emitPending(ctx context.Context, key pendingKey, p *pendingCommand) {
	c.send(ctx, commandEventName(key.command), key.rideID, p.attempts, p.correlationID)
}

func (c *Coordinator) send(ctx context.Context, name, rideID string, attempt int, correlationID string) {
	payload := contracts.RideCommand{
		RideID:   rideID,
		DriverID: c.sess.DriverID,
		Attempt:  attempt,
		Envelope: contracts.Envelope{
			CorrelationID: correlationID,
			Producer:      c.opts.Producer,
			SentAt:        time.Now().UTC(),
		},
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := c.channel.Send(sendCtx, name, payload); err != nil {
		// the ack timer owns the retry; reject is fire-and-forget anyway
		c.logger.Error(ctx, "command_send_failed", "Failed to emit command on channel", err, map[string]any{
			"command": name, "ride_id": rideID, "attempt": attempt,
		})
	}
}

// ackPendingForStatus discards pending commands satisfied by an authoritative
// status: EN_ROUTE_TO_PICKUP acknowledges accept, IN_PROGRESS acknowledges
// start (and any late accept), terminal statuses acknowledge everything.
func (c *Coordinator) ackPendingForStatus(rideID string, status ride.Status) {
	satisfied := func(command ride.Command) bool {
		switch status {
		case ride.StatusEnRouteToPickup:
			return command == ride.CommandAccept
		case ride.StatusInProgress:
			return command == ride.CommandAccept || command == ride.CommandStart
		case ride.StatusCompleted, ride.StatusCancelled:
			return true
		default:
			return false
		}
	}

	for key, p := range c.pending {
		if key.rideID == rideID && satisfied(key.command) {
			p.timer.Stop()
			delete(c.pending, key)
			observability.CommandsTotal.WithLabelValues(key.command.String(), "acked").Inc()
		}
	}
}

func (c *Coordinator) clearPendingForRide(rideID string) {
	for key, p := range c.pending {
		if key.rideID == rideID {
			p.timer.Stop()
			delete(c.pending, key)
		}
	}
}

// --- reconciliation ---

func (c *Coordinator) beginReconcile(ctx context.Context, reason string) {
	if c.reconciling || c.supportNeeded {
		return
	}

	c.reconciling = true
	c.machine.EnterReconciling()
	c.pushUpdate(Update{Kind: UpdateReconnecting, Status: ride.StatusReconciling, Reason: reason})
	c.logger.Info(ctx, "reconcile_started", "Fetching authoritative ride status", map[string]any{"reason": reason})

	go c.fetchAuthoritative(c.runCtx)
}

// fetchAuthoritative runs off the actor goroutine and posts exactly one
// outcome. Retries use exponential backoff, capped.
func (c *Coordinator) fetchAuthoritative(ctx context.Context) {
	delay := c.opts.ReconcileBaseDelay

	var lastErr error
	for attempt := 1; attempt <= c.opts.ReconcileMaxAttempts; attempt++ {
		status, err := c.fetcher.CurrentRide(ctx, c.sess.DriverID)
		if err == nil {
			c.postReconcileOutcome(ctx, reconcileOutcome{status: status})
			return
		}
		lastErr = err

		c.logger.Error(ctx, "reconcile_fetch_failed", "Authoritative status fetch failed", err, map[string]any{
			"attempt": attempt, "max_attempts": c.opts.ReconcileMaxAttempts, "retry_in": delay.String(),
		})

		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.opts.ReconcileMaxDelay {
			delay = c.opts.ReconcileMaxDelay
		}
	}

	c.postReconcileOutcome(ctx, reconcileOutcome{err: lastErr})
}

func (c *Coordinator) postReconcileOutcome(ctx context.Context, out reconcileOutcome) {
	select {
	case c.reconcileDone <- out:
	case <-ctx.Done():
	case <-c.stopped:
	}
}

func (c *Coordinator) handleReconcileOutcome(ctx context.Context, out reconcileOutcome) {
	c.reconciling = false

	if out.err != nil {
		observability.ReconciliationsTotal.WithLabelValues("failed").Inc()
		c.supportNeeded = true
		c.pushUpdate(Update{Kind: UpdateSupportRequired, Status: c.machine.Status(), Err: ride.ErrReconciliationFailed})
		c.logger.Error(ctx, "reconcile_gave_up", "Reconciliation failed past max retries", out.err, nil)

		c.failHeld(ride.ErrReconciliationFailed)
		return
	}

	// server truth replaces local guesses; in-flight commands are moot
	c.stopTimers()

	settlement := c.machine.ResolveReconcile(out.status.RideID, out.status.Status, out.status.Version, time.Now().UTC())
	if settlement != nil {
		c.recordSettlement(ctx, *settlement)
		c.pushUpdate(Update{Kind: UpdateSettlement, Status: c.machine.Status(), RideID: settlement.RideID, Settlement: settlement})
	}

	observability.ReconciliationsTotal.WithLabelValues("converged").Inc()
	c.pushUpdate(Update{Kind: UpdateReconciled, Status: c.machine.Status()})

	details := map[string]any{"state": c.machine.Status().String()}
	if out.status.RideID != nil {
		details["ride_id"] = *out.status.RideID
		details["version"] = out.status.Version
	}
	c.logger.Info(ctx, "reconcile_converged", "Converged to authoritative ride status", details)

	c.replayHeld(ctx)
}

func (c *Coordinator) replayHeld(ctx context.Context) {
	held := c.held
	c.held = nil
	for _, req := range held {
		c.handleSubmit(ctx, req)
	}
}

func (c *Coordinator) failHeld(err error) {
	held := c.held
	c.held = nil
	for _, req := range held {
		req.reply <- err
	}
}

// --- bookkeeping ---

func (c *Coordinator) recordSettlement(ctx context.Context, s ride.Settlement) {
	observability.SettlementsTotal.WithLabelValues(s.Outcome.String()).Inc()

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	if err := c.journal.Record(jctx, s); err != nil {
		c.logger.Error(ctx, "settlement_record_failed", "Failed to record ride settlement", err, map[string]any{
			"ride_id": s.RideID, "outcome": s.Outcome.String(),
		})
	}
}

func (c *Coordinator) pushUpdate(u Update) {
	for {
		select {
		case c.updates <- u:
			return
		default:
		}
		// drop oldest so fresh state always lands
		select {
		case <-c.updates:
		default:
		}
	}
}

func (c *Coordinator) publishSnapshot() {
	c.snapshot.Store(Snapshot{
		Status: c.machine.Status(),
		Offer:  c.machine.Offer(),
		Active: c.machine.Active(),
		Conn:   c.conn,
	})
}

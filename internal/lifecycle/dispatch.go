package lifecycle

import (
	"context"

	"driverlink/internal/domain/ride"
	"driverlink/internal/logger"
)

// Dispatcher is the command entry point handed to the presentation layer. It
// validates and logs driver actions before funneling them into the
// coordinator's queue.
type Dispatcher struct {
	coord  *Coordinator
	logger *logger.Logger
}

// NewDispatcher wraps the coordinator.
func NewDispatcher(coord *Coordinator, log *logger.Logger) *Dispatcher {
	return &Dispatcher{coord: coord, logger: log}
}

// Dispatch submits one driver command targeting a ride or offer id. The error
// reflects the local decision only; server acknowledgment is reported later
// through Updates.
func (d *Dispatcher) Dispatch(ctx context.Context, command ride.Command, target string) error {
	if !command.Valid() {
		return ride.ErrInvalidCommand
	}
	if target == "" {
		return ride.ErrNoActiveRide
	}

	ctx = d.logger.WithRideID(ctx, target)
	d.logger.Debug(ctx, "command_dispatched", "Dispatching driver command", map[string]any{
		"command": command.String(),
	})

	err := d.coord.Submit(ctx, command, target)
	if err != nil {
		d.logger.Info(ctx, "command_not_applied", "Driver command rejected locally", map[string]any{
			"command": command.String(), "error": err.Error(),
		})
	}
	return err
}

// AcceptOffer accepts the pending offer.
func (d *Dispatcher) AcceptOffer(ctx context.Context, offerID string) error {
	return d.Dispatch(ctx, ride.CommandAccept, offerID)
}

// RejectOffer declines the pending offer.
func (d *Dispatcher) RejectOffer(ctx context.Context, offerID string) error {
	return d.Dispatch(ctx, ride.CommandReject, offerID)
}

// StartRide marks pickup complete and the ride in progress.
func (d *Dispatcher) StartRide(ctx context.Context, rideID string) error {
	return d.Dispatch(ctx, ride.CommandStart, rideID)
}

// CompleteRide finishes the ride at the destination.
func (d *Dispatcher) CompleteRide(ctx context.Context, rideID string) error {
	return d.Dispatch(ctx, ride.CommandComplete, rideID)
}

package present

import (
	"context"
	"fmt"

	"driverlink/internal/domain/ride"
	"driverlink/internal/lifecycle"
	"driverlink/internal/logger"
)

// Navigator hands a destination to an external navigation surface (maps app,
// in-dash unit). Failures never affect the ride lifecycle.
type Navigator interface {
	Navigate(ctx context.Context, label string, point ride.GeoPoint) error
}

// Adapter is the UI-agnostic boundary between the lifecycle and whatever
// renders it. It resolves command targets from the current snapshot so the
// presentation layer never tracks ride ids itself.
type Adapter struct {
	coord     *lifecycle.Coordinator
	dispatch  *lifecycle.Dispatcher
	navigator Navigator
	logger    *logger.Logger
}

// NewAdapter wires the presentation boundary. navigator may be nil.
func NewAdapter(coord *lifecycle.Coordinator, dispatch *lifecycle.Dispatcher, navigator Navigator, log *logger.Logger) *Adapter {
	return &Adapter{coord: coord, dispatch: dispatch, navigator: navigator, logger: log}
}

// Snapshot returns the current lifecycle view.
func (a *Adapter) Snapshot() lifecycle.Snapshot { return a.coord.Snapshot() }

// Updates streams lifecycle notifications for rendering.
func (a *Adapter) Updates() <-chan lifecycle.Update { return a.coord.Updates() }

// Accept accepts the currently pending offer.
func (a *Adapter) Accept(ctx context.Context) error {
	snap := a.coord.Snapshot()
	if snap.Offer == nil {
		return ride.ErrInvalidStateTransition
	}

	if err := a.dispatch.AcceptOffer(ctx, snap.Offer.ID); err != nil {
		return err
	}

	a.navigateTo(ctx, "pickup", snap.Offer.Pickup)
	return nil
}

// Reject declines the currently pending offer.
func (a *Adapter) Reject(ctx context.Context) error {
	snap := a.coord.Snapshot()
	if snap.Offer == nil {
		return ride.ErrInvalidStateTransition
	}
	return a.dispatch.RejectOffer(ctx, snap.Offer.ID)
}

// Start marks the active ride as picked up and in progress.
func (a *Adapter) Start(ctx context.Context) error {
	snap := a.coord.Snapshot()
	if snap.Active == nil {
		return ride.ErrNoActiveRide
	}

	if err := a.dispatch.StartRide(ctx, snap.Active.ID); err != nil {
		return err
	}

	a.navigateTo(ctx, "destination", snap.Active.Destination)
	return nil
}

// Complete finishes the active ride.
func (a *Adapter) Complete(ctx context.Context) error {
	snap := a.coord.Snapshot()
	if snap.Active == nil {
		return ride.ErrNoActiveRide
	}
	return a.dispatch.CompleteRide(ctx, snap.Active.ID)
}

// navigateTo is fire-and-forget: navigation failures are logged, never
// surfaced.
func (a *Adapter) navigateTo(ctx context.Context, label string, point ride.GeoPoint) {
	if a.navigator == nil {
		return
	}
	if err := a.navigator.Navigate(ctx, label, point); err != nil {
		a.logger.Error(ctx, "navigation_failed", "External navigator rejected destination", err, map[string]any{
			"label": label, "address": point.Address,
		})
	}
}

// GeoURI renders the point as a geo URI (RFC 5870) for navigation handoff.
func GeoURI(point ride.GeoPoint) string {
	return fmt.Sprintf("geo:%f,%f", point.Lat, point.Lng)
}

// LogNavigator is the default Navigator: it logs the handoff instead of
// invoking a real maps surface.
type LogNavigator struct {
	logger *logger.Logger
}

// NewLogNavigator constructs the logging navigator.
func NewLogNavigator(log *logger.Logger) *LogNavigator {
	return &LogNavigator{logger: log}
}

// Navigate logs the destination handoff.
func (n *LogNavigator) Navigate(ctx context.Context, label string, point ride.GeoPoint) error {
	n.logger.Info(ctx, "navigate", "Handing destination to navigation", map[string]any{
		"label": label, "address": point.Address, "uri": GeoURI(point),
	})
	return nil
}

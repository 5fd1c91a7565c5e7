package lifecycle

import (
	"driverlink/internal/domain/ride"
	"driverlink/internal/transport"
)

// UpdateKind names the notifications pushed to the presentation surface.
type UpdateKind string

const (
	UpdateOffer           UpdateKind = "OFFER"            // a new offer awaits decision
	UpdateOfferWithdrawn  UpdateKind = "OFFER_WITHDRAWN"  // superseded, expired, or cancelled
	UpdateStateChanged    UpdateKind = "STATE_CHANGED"    // lifecycle state moved
	UpdateSettlement      UpdateKind = "SETTLEMENT"       // ride reached a terminal status
	UpdateCommandFailed   UpdateKind = "COMMAND_FAILED"   // rollback, timeout
	UpdateReconnecting    UpdateKind = "RECONNECTING"     // transport down or reconciling
	UpdateReconciled      UpdateKind = "RECONCILED"       // converged to server truth
	UpdateSupportRequired UpdateKind = "SUPPORT_REQUIRED" // reconciliation gave up
)

// Update is a typed notification for the presentation adapter. No update is
// ever fatal to the process.
type Update struct {
	Kind       UpdateKind
	Status     ride.Status
	RideID     string
	Command    ride.Command
	Offer      *ride.Offer
	Settlement *ride.Settlement
	Reason     string
	Err        error
}

// Snapshot is the read-only view of the lifecycle exposed to observers.
type Snapshot struct {
	Status ride.Status
	Offer  *ride.Offer
	Active *ride.ActiveRide
	Conn   transport.ConnState
}

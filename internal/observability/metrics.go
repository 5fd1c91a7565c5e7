package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driverlink", Name: "events_total", Help: "Inbound channel events processed"},
		[]string{"event"},
	)
	StaleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driverlink", Name: "stale_events_total", Help: "Inbound events discarded as stale"},
		[]string{"reason"}, // unknown_ride | old_version
	)
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driverlink", Name: "commands_total", Help: "Driver commands submitted"},
		[]string{"command", "result"},
	)
	CommandRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "driverlink", Name: "command_retries_total", Help: "Command re-emissions after ack timeout"},
	)
	RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "driverlink", Name: "rollbacks_total", Help: "Optimistic transitions rolled back by the server"},
	)
	OfferExpiriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "driverlink", Name: "offer_expiries_total", Help: "Offers expired before a decision"},
	)
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driverlink", Name: "reconciliations_total", Help: "Reconciliation attempts by result"},
		[]string{"result"}, // converged | failed
	)
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "driverlink", Name: "connection_state", Help: "Transport state (0 disconnected, 1 connecting, 2 connected)"},
	)
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driverlink", Name: "settlements_total", Help: "Ride settlements recorded by outcome"},
		[]string{"outcome"},
	)
)

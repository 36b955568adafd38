package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"example.com/sessionsync/internal/domain"
)

var (
	triggerCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "coordinator",
		Name:      "triggers_total",
		Help:      "Triggers dispatched by the event loop.",
	}, []string{"trigger"})

	discardedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "coordinator",
		Name:      "stale_discarded_total",
		Help:      "Results discarded because they belonged to a superseded session or generation.",
	}, []string{"trigger"})

	reconcileCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "coordinator",
		Name:      "reconciliations_total",
		Help:      "Boot reconciliation outcomes (local, server, empty, error, superseded).",
	}, []string{"outcome"})

	suppressedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "coordinator",
		Name:      "suppressed_deletes_total",
		Help:      "Delete notifications swallowed inside the suppression window.",
	})

	endedElsewhereCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "coordinator",
		Name:      "ended_elsewhere_total",
		Help:      "Sessions ended by another device.",
	})

	subscribeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "coordinator",
		Name:      "subscribe_failures_total",
		Help:      "Realtime subscription attempts that failed.",
	})

	skippedWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "coordinator",
		Name:      "degraded_skipped_writes_total",
		Help:      "Session writes not sent because the server schema is missing.",
	})

	stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session_sync",
		Subsystem: "coordinator",
		Name:      "session_state",
		Help:      "Current lifecycle state (0 idle, 1 reconciling, 2 live, 3 ended).",
	})
)

func init() {
	prometheus.MustRegister(triggerCounter, discardedCounter, reconcileCounter, suppressedCounter,
		endedElsewhereCounter, subscribeFailures, skippedWrites, stateGauge)
}

func stateValue(s domain.SessionState) float64 {
	switch s {
	case domain.SessionStateReconciling:
		return 1
	case domain.SessionStateLive:
		return 2
	case domain.SessionStateEnded:
		return 3
	default:
		return 0
	}
}

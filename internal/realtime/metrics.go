package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "realtime",
		Name:      "events_received_total",
		Help:      "Number of session change notifications delivered, labeled by backend and event type.",
	}, []string{"backend", "event_type"})

	droppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "realtime",
		Name:      "events_dropped_total",
		Help:      "Number of notifications that could not be decoded or hydrated.",
	}, []string{"backend", "reason"})

	teardownCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "realtime",
		Name:      "teardowns_total",
		Help:      "Subscription teardowns by outcome (primary, fallback, abandoned).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(eventsCounter, droppedCounter, teardownCounter)
}

func recordEvent(backend string, t EventType) {
	eventsCounter.WithLabelValues(backend, string(t)).Inc()
}

func recordDropped(backend, reason string) {
	droppedCounter.WithLabelValues(backend, reason).Inc()
}

func recordTeardown(outcome string) {
	teardownCounter.WithLabelValues(outcome).Inc()
}

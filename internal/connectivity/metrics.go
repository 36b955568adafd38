package connectivity

import "github.com/prometheus/client_golang/prometheus"

var (
	onlineGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session_sync",
		Subsystem: "connectivity",
		Name:      "online",
		Help:      "1 while the sync backend is reachable.",
	})

	transitionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "connectivity",
		Name:      "transitions_total",
		Help:      "Connectivity transitions by resulting state.",
	}, []string{"state"})

	probeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "connectivity",
		Name:      "probe_failures_total",
		Help:      "Health probes that failed at the transport level.",
	})
)

func init() {
	prometheus.MustRegister(onlineGauge, transitionsCounter, probeFailures)
}

func recordTransition(online bool) {
	state := "offline"
	value := 0.0
	if online {
		state = "online"
		value = 1
	}
	onlineGauge.Set(value)
	transitionsCounter.WithLabelValues(state).Inc()
}

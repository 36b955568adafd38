package localcache

import "github.com/prometheus/client_golang/prometheus"

var selfHealCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "session_sync",
	Subsystem: "localcache",
	Name:      "self_heals_total",
	Help:      "Number of unreadable cache entries dropped and treated as absent.",
})

func init() {
	prometheus.MustRegister(selfHealCounter)
}

func recordSelfHeal() {
	selfHealCounter.Inc()
}

package kafkatransport

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "kafka",
		Name:      "messages_total",
		Help:      "Messages handed to the producer by topic and outcome.",
	}, []string{"topic", "outcome"})

	writeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "session_sync",
		Subsystem: "kafka",
		Name:      "write_duration_seconds",
		Help:      "Time spent in synchronous topic writes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(messagesCounter, writeDuration)
}

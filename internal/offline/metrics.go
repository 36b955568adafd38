package offline

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Number of mutations appended to the offline queue.",
	}, []string{"family"})

	supersededCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "queue",
		Name:      "superseded_total",
		Help:      "Number of queued mutations replaced by a newer write for the same target.",
	}, []string{"family"})

	sentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "queue",
		Name:      "sent_total",
		Help:      "Number of mutations delivered and removed from the queue.",
	}, []string{"family"})

	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "queue",
		Name:      "send_failures_total",
		Help:      "Number of failed send attempts, labeled by outcome (retry, exhausted, schema_missing).",
	}, []string{"family", "outcome"})

	flushSkippedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_sync",
		Subsystem: "queue",
		Name:      "flush_skipped_total",
		Help:      "Number of flush requests that did not run.",
	}, []string{"reason"})

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "session_sync",
		Subsystem: "queue",
		Name:      "flush_duration_seconds",
		Help:      "Time spent in a flush pass.",
		Buckets:   prometheus.DefBuckets,
	})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "session_sync",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Queued mutations by status as of the last summary.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(enqueuedCounter, supersededCounter, sentCounter, failedCounter, flushSkippedCounter, flushDuration, queueDepth)
}

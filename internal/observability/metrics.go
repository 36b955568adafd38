package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session_sync",
		Subsystem: "persistence",
		Name:      "last_session_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent session row written to Postgres.",
	})
	sessionReconciledGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session_sync",
		Subsystem: "persistence",
		Name:      "last_session_reconciled_timestamp_seconds",
		Help:      "Unix timestamp of the most recent boot reconciliation.",
	})
)

func init() {
	prometheus.MustRegister(sessionPersistGauge, sessionReconciledGauge)
}

// RecordSessionPersisted updates the persistence watermark gauge.
func RecordSessionPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	sessionPersistGauge.Set(float64(ts.Unix()))
}

// RecordSessionReconciled updates the reconciliation watermark gauge.
func RecordSessionReconciled(ts time.Time) {
	if ts.IsZero() {
		return
	}
	sessionReconciledGauge.Set(float64(ts.Unix()))
}

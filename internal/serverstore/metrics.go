package serverstore

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/sessionsync/internal/domain"
)

var storeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "session_sync",
	Subsystem: "serverstore",
	Name:      "errors_total",
	Help:      "Number of server store failures grouped by taxonomy kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(storeErrorCounter)
}

func recordStoreError(err error) {
	kind := "transport"
	if errors.Is(err, domain.ErrSchemaMissing) {
		kind = "schema_missing"
	}
	storeErrorCounter.WithLabelValues(kind).Inc()
}

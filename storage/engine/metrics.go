package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's prometheus collectors
type Metrics struct {
	// OperationSeconds times row operations, propagation and
	// group index maintenance
	OperationSeconds *prometheus.HistogramVec
	// GroupIndexSkips counts group index maintenance that was skipped
	GroupIndexSkips *prometheus.CounterVec
	// PropagatedRows counts rows re-keyed or removed by propagation
	PropagatedRows *prometheus.CounterVec
	// UniqueChecks counts uniqueness checks
	UniqueChecks *prometheus.CounterVec
}

// NewMetrics creates the engine metrics and registers them with
// registerer. A nil registerer creates unregistered collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		OperationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grouse_engine_operation_seconds",
				Help:    "Latency of storage engine operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		GroupIndexSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouse_engine_group_index_skips_total",
				Help: "Total number of skipped group index maintenance passes",
			},
			[]string{"reason"},
		),
		PropagatedRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouse_engine_propagated_rows_total",
				Help: "Total number of descendant rows re-keyed or removed",
			},
			[]string{"mode"},
		),
		UniqueChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouse_engine_unique_checks_total",
				Help: "Total number of uniqueness checks issued",
			},
			[]string{"mode"},
		),
	}
}

func (metrics *Metrics) timer(operation string) func() {
	start := time.Now()

	return func() {
		metrics.OperationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

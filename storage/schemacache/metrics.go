package schemacache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolution paths of Cache.Snapshot
const (
	pathAttached = "attached"
	pathLatest   = "latest"
	pathRetained = "retained"
	pathReload   = "reload"
)

// Metrics are the schema cache's prometheus collectors
type Metrics struct {
	// Resolutions counts snapshot resolutions by the path that served them
	Resolutions *prometheus.CounterVec
	// LatestUpdates counts attempts to install a new latest snapshot
	LatestUpdates *prometheus.CounterVec
	// Reclaimed counts snapshots dropped from the retained map
	Reclaimed prometheus.Counter
	// Retained is the size of the retained map
	Retained prometheus.Gauge
}

// NewMetrics creates the schema cache metrics and registers them with
// registerer. A nil registerer creates unregistered collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		Resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouse_schema_snapshot_resolutions_total",
				Help: "Total number of schema snapshot resolutions",
			},
			[]string{"path"},
		),
		LatestUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouse_schema_latest_updates_total",
				Help: "Total number of attempts to replace the latest schema snapshot",
			},
			[]string{"result"},
		),
		Reclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "grouse_schema_reclaimed_snapshots_total",
			Help: "Total number of schema snapshots reclaimed",
		}),
		Retained: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grouse_schema_retained_snapshots",
			Help: "Number of schema snapshots currently retained",
		}),
	}
}

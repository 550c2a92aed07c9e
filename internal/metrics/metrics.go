// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SyncCyclesTotal     *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	ActionOutcomesTotal *prometheus.CounterVec
	RefreshErrorsTotal  prometheus.Counter
	QueueDepth          prometheus.Gauge
}

// New builds and registers the engine's collectors. Passing nil registers on
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		SyncCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_cycles_total",
			Help: "Sync cycles by outcome",
		}, []string{"outcome"}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "offsync_cycle_duration_seconds",
			Help:    "Duration of completed sync cycles",
			Buckets: prometheus.DefBuckets,
		}),

		ActionOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_action_outcomes_total",
			Help: "Delivered action outcomes by kind and status",
		}, []string{"kind", "outcome"}),

		RefreshErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offsync_cache_refresh_errors_total",
			Help: "Failed snapshot refresh fetches",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offsync_queue_depth",
			Help: "Actions currently pending delivery",
		}),
	}
	reg.MustRegister(
		m.SyncCyclesTotal,
		m.CycleDuration,
		m.ActionOutcomesTotal,
		m.RefreshErrorsTotal,
		m.QueueDepth,
	)
	return m
}

// Package telemetry exposes Prometheus metrics for the migration engine.
// Metrics hang off a private registry injected into components, never a
// package-level default.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	DualWriteAttempts *prometheus.CounterVec
	DualWriteLatency  prometheus.Histogram
	CatchUpQueueDepth prometheus.Gauge
	RoutedReads       *prometheus.CounterVec
	SwitchPercentage  prometheus.Gauge
	ConsistencyScore  prometheus.Gauge
	AlertsRaised      *prometheus.CounterVec
	PhaseTransitions  *prometheus.CounterVec
}

// NewMetrics creates and registers all engine collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DualWriteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tableshift",
			Name:      "dual_write_attempts_total",
			Help:      "Target write attempts by result (success, retry, failed).",
		}, []string{"result"}),
		DualWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tableshift",
			Name:      "dual_write_latency_seconds",
			Help:      "End-to-end latency of mirrored target writes.",
			Buckets:   prometheus.DefBuckets,
		}),
		CatchUpQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tableshift",
			Name:      "catch_up_queue_depth",
			Help:      "Pending operations in the eventual-consistency catch-up queue.",
		}),
		RoutedReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tableshift",
			Name:      "routed_reads_total",
			Help:      "Read routing decisions by side (SOURCE, TARGET).",
		}, []string{"side"}),
		SwitchPercentage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tableshift",
			Name:      "switch_percentage",
			Help:      "Current read cutover percentage.",
		}),
		ConsistencyScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tableshift",
			Name:      "consistency_score",
			Help:      "Most recent validation consistency score.",
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tableshift",
			Name:      "alerts_raised_total",
			Help:      "Alerts raised after deduplication, by severity.",
		}, []string{"severity"}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tableshift",
			Name:      "phase_transitions_total",
			Help:      "Migration phase transitions by target phase.",
		}, []string{"phase"}),
	}

	m.registry.MustRegister(
		m.DualWriteAttempts,
		m.DualWriteLatency,
		m.CatchUpQueueDepth,
		m.RoutedReads,
		m.SwitchPercentage,
		m.ConsistencyScore,
		m.AlertsRaised,
		m.PhaseTransitions,
	)

	return m
}

// Registry returns the private registry, for exposition or test scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

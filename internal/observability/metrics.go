// Package observability exposes Prometheus metrics for the sandbox
// lifecycle engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for enclave.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox run metrics.
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Image probe/pull metrics.
	PullsTotal   *prometheus.CounterVec
	PullDuration prometheus.Histogram

	// Container cleanup metrics.
	CleanupsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total sandboxed command runs.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "enclave",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Sandboxed command duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"status"}),

		PullsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "image",
			Name:      "pulls_total",
			Help:      "Total image pulls.",
		}, []string{"status"}),

		PullDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "enclave",
			Subsystem: "image",
			Name:      "pull_duration_seconds",
			Help:      "Image pull duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),

		CleanupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "lifecycle",
			Name:      "cleanups_total",
			Help:      "Total container cleanup attempts.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.PullsTotal,
		m.PullDuration,
		m.CleanupsTotal,
	)
	return m
}

// ObserveRun records one sandboxed run. Nil-safe so callers without
// metrics wired pass nil and move on.
func (m *MetricsCollector) ObserveRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObservePull records one image pull.
func (m *MetricsCollector) ObservePull(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PullsTotal.WithLabelValues(status).Inc()
	m.PullDuration.Observe(d.Seconds())
}

// ObserveCleanup records one container cleanup attempt.
func (m *MetricsCollector) ObserveCleanup(status string) {
	if m == nil {
		return
	}
	m.CleanupsTotal.WithLabelValues(status).Inc()
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for vizbox.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ActiveExecutions  prometheus.Gauge

	// Display metrics.
	DisplayStartsTotal *prometheus.CounterVec
	SnapshotsCaptured  prometheus.Counter
	CaptureFailures    prometheus.Counter

	// Sweep metrics.
	SweptExecutions prometheus.Counter

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vizbox",
			Subsystem: "runner",
			Name:      "executions_total",
			Help:      "Executions by terminal status.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vizbox",
			Subsystem: "runner",
			Name:      "execution_duration_seconds",
			Help:      "Child process runtime in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vizbox",
			Subsystem: "runner",
			Name:      "active_executions",
			Help:      "Executions currently initializing or running.",
		}),

		DisplayStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vizbox",
			Subsystem: "display",
			Name:      "starts_total",
			Help:      "Display handles started, by backend.",
		}, []string{"backend"}),

		SnapshotsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vizbox",
			Subsystem: "display",
			Name:      "snapshots_captured_total",
			Help:      "Frames captured across all executions.",
		}),

		CaptureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vizbox",
			Subsystem: "display",
			Name:      "capture_failures_total",
			Help:      "Capture attempts that returned no frame.",
		}),

		SweptExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vizbox",
			Subsystem: "runner",
			Name:      "swept_executions_total",
			Help:      "Executions removed by age-based sweep.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vizbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, path, and status class.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vizbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vizbox",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "In-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.DisplayStartsTotal,
		m.SnapshotsCaptured,
		m.CaptureFailures,
		m.SweptExecutions,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

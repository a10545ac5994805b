// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the backtest run orchestrator.
package observability

import "github.com/prometheus/client_golang/prometheus"

// RunBuckets defines histogram buckets suited for backtest run latencies,
// ranging from 100ms to 5m.
var RunBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backtestd_request_duration_seconds",
			Help:    "Request duration",
			Buckets: RunBuckets,
		},
		[]string{"method", "route"},
	)

	// RunsInFlight tracks runs currently blocked on a backend.
	RunsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backtestd_runs_in_flight",
			Help: "Runs in flight",
		},
	)

	// RunsTotal counts finished runs by outcome ("completed" or an error type).
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_runs_total",
			Help: "Finished runs",
		},
		[]string{"status"},
	)

	// RunDuration records end-to-end run duration in seconds.
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backtestd_run_duration_seconds",
			Help:    "Run duration",
			Buckets: RunBuckets,
		},
	)

	// BackendInvocationsTotal counts backend invocations by backend kind and outcome
	// (ok, exit_error, timeout, error).
	BackendInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_backend_invocations_total",
			Help: "Backend invocations",
		},
		[]string{"backend", "outcome"},
	)

	// BackendLatency records backend wall-clock time in seconds.
	BackendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backtestd_backend_latency_seconds",
			Help:    "Backend latency",
			Buckets: RunBuckets,
		},
		[]string{"backend"},
	)

	// ArtifactParseErrorsTotal counts malformed artifacts by kind.
	ArtifactParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_artifact_parse_errors_total",
			Help: "Artifact parse errors",
		},
		[]string{"kind"},
	)

	// SessionsActive tracks registered sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backtestd_sessions_active",
			Help: "Registered sessions",
		},
	)

	// SessionsEvictedTotal counts sessions dropped by the LRU bound.
	SessionsEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backtestd_sessions_evicted_total",
			Help: "Evicted sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RunsInFlight,
		RunsTotal,
		RunDuration,
		BackendInvocationsTotal,
		BackendLatency,
		ArtifactParseErrorsTotal,
		SessionsActive,
		SessionsEvictedTotal,
	)
}

// Package metrics exposes the runner's Prometheus instrumentation and a
// prometheus-backed event sink for the runtime.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsDispatched counts admitted dispatches per job type and strategy.
	JobsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_jobs_dispatched_total",
			Help: "Total number of jobs admitted and dispatched.",
		},
		[]string{"job_type", "strategy"},
	)

	// JobsSettled counts settled executions by terminal status.
	JobsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_jobs_settled_total",
			Help: "Total number of settled job executions.",
		},
		[]string{"job_type", "strategy", "status"},
	)

	// JobDuration observes successful execution durations.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runner_job_duration_seconds",
			Help:    "Duration of completed job executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"job_type", "strategy"},
	)

	// ConcurrencyCeiling tracks the adaptive admission ceiling.
	ConcurrencyCeiling = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_concurrency_ceiling",
			Help: "Current adaptive concurrency ceiling.",
		},
	)

	// AdmissionRejections counts dispatches rejected at the gate.
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_admission_rejections_total",
			Help: "Total number of dispatches rejected by admission control.",
		},
		[]string{"reason"},
	)

	// HTTPRequestsTotal counts API requests by path, method and code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_http_requests_total",
			Help: "Total number of HTTP requests handled by the API.",
		},
		[]string{"path", "method", "code"},
	)
)

// PromSink adapts the runtime's event stream onto the Prometheus vectors.
type PromSink struct{}

// NewPromSink creates the sink and seeds the ceiling gauge.
func NewPromSink(initialCeiling int) PromSink {
	ConcurrencyCeiling.Set(float64(initialCeiling))
	return PromSink{}
}

func (PromSink) JobDispatched(jobType, strategy string) {
	JobsDispatched.WithLabelValues(jobType, strategy).Inc()
}

func (PromSink) JobCompleted(jobType, strategy string, duration time.Duration) {
	JobsSettled.WithLabelValues(jobType, strategy, "succeeded").Inc()
	JobDuration.WithLabelValues(jobType, strategy).Observe(duration.Seconds())
}

func (PromSink) JobFailed(jobType, strategy, _ string) {
	JobsSettled.WithLabelValues(jobType, strategy, "failed").Inc()
}

func (PromSink) JobTimedOut(jobType, strategy string) {
	JobsSettled.WithLabelValues(jobType, strategy, "timed_out").Inc()
}

func (PromSink) CeilingChanged(_, current int) {
	ConcurrencyCeiling.Set(float64(current))
}

func (PromSink) ShutdownInitiated(string) {}

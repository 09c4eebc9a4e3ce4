// Package metrics provides Prometheus metrics for the build service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// HTTP surface
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pipeline
	RunsStarted      prometheus.Counter
	RunsCompleted    *prometheus.CounterVec // status label
	RunDuration      prometheus.Histogram
	RunsInFlight     prometheus.Gauge
	AdmissionBusy    prometheus.Counter
	AdmissionDropped prometheus.Counter

	// Collaborators
	AgentCalls       *prometheus.CounterVec // outcome label
	DeployPolls      prometheus.Counter
	CallbackAttempts prometheus.Counter
	CallbackOutcomes *prometheus.CounterVec // outcome label
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pagesmith_http_requests_total",
				Help: "HTTP requests by method, path, and status code",
			}, []string{"method", "path", "status"}),
			HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "pagesmith_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "path"}),

			RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pagesmith_runs_started_total",
				Help: "Pipeline runs admitted for execution",
			}),
			RunsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pagesmith_runs_completed_total",
				Help: "Pipeline runs by terminal status",
			}, []string{"status"}),
			RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "pagesmith_run_duration_seconds",
				Help:    "Wall-clock duration of pipeline runs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			}),
			RunsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "pagesmith_runs_in_flight",
				Help: "Pipeline runs currently executing",
			}),
			AdmissionBusy: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pagesmith_admission_busy_total",
				Help: "Requests rejected because the task was already in flight",
			}),
			AdmissionDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pagesmith_admission_dropped_total",
				Help: "Requests rejected because the run queue was full",
			}),

			AgentCalls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pagesmith_agent_calls_total",
				Help: "Code-generation agent calls by outcome",
			}, []string{"outcome"}),
			DeployPolls: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pagesmith_deploy_polls_total",
				Help: "Deployment readiness polls issued",
			}),
			CallbackAttempts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pagesmith_callback_attempts_total",
				Help: "Evaluation callback POST attempts",
			}),
			CallbackOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pagesmith_callback_outcomes_total",
				Help: "Evaluation callback terminal outcomes",
			}, []string{"outcome"}),
		}
	})
	return instance
}

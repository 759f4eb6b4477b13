// Package metrics defines the Prometheus instrumentation for the SOAR
// core.
//
// Metric naming follows Prometheus conventions:
//   - rampart_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsPublishedTotal counts events appended to the durable stream.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rampart_events_published_total",
			Help: "Total events published to the durable stream.",
		},
		[]string{"event_type"},
	)

	// EventsConsumedTotal counts events the trigger engine processed,
	// by outcome (handled, redelivered).
	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rampart_events_consumed_total",
			Help: "Total events consumed from the durable stream.",
		},
		[]string{"outcome"},
	)

	// TriggerEvaluationsTotal counts binding evaluations by result.
	TriggerEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rampart_trigger_evaluations_total",
			Help: "Total binding predicate evaluations.",
		},
		[]string{"result"},
	)

	// JobsEnqueuedTotal counts playbook jobs enqueued.
	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rampart_jobs_enqueued_total",
			Help: "Total playbook jobs enqueued.",
		},
	)

	// ExecutionsTotal counts finished executions by terminal status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rampart_executions_total",
			Help: "Total playbook executions by terminal status.",
		},
		[]string{"status"},
	)

	// ExecutionDurationSeconds is a histogram of execution wall time.
	ExecutionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rampart_execution_duration_seconds",
			Help:    "Duration of playbook executions in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// StepsTotal counts step outcomes by action and status.
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rampart_steps_total",
			Help: "Total playbook step outcomes.",
		},
		[]string{"action", "status"},
	)

	// StepDurationSeconds is a histogram of single-attempt step duration.
	StepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rampart_step_duration_seconds",
			Help:    "Duration of playbook steps in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"action"},
	)

	// LiveConnections is the number of open live-channel websockets.
	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rampart_live_connections",
			Help: "Open live progress channel connections.",
		},
	)

	// ActiveWorkers is the number of workers currently running a job.
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rampart_active_workers",
			Help: "Queue workers currently processing a job.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsPublishedTotal,
		EventsConsumedTotal,
		TriggerEvaluationsTotal,
		JobsEnqueuedTotal,
		ExecutionsTotal,
		ExecutionDurationSeconds,
		StepsTotal,
		StepDurationSeconds,
		LiveConnections,
		ActiveWorkers,
	)
}

// RegisterQueueDepth exposes the pending-job count as a gauge. Called
// once at wiring time, when the queue repository exists.
func RegisterQueueDepth(depth func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "rampart_queue_depth",
			Help: "Playbook jobs waiting to be claimed.",
		},
		depth,
	))
}

// RecordExecutionFinished records a terminal execution outcome.
func RecordExecutionFinished(status string, duration time.Duration) {
	ExecutionsTotal.WithLabelValues(status).Inc()
	ExecutionDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStep records one step outcome.
func RecordStep(action, status string, duration time.Duration) {
	StepsTotal.WithLabelValues(action, status).Inc()
	StepDurationSeconds.WithLabelValues(action).Observe(duration.Seconds())
}

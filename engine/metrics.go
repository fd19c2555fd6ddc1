package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/scheduler"
)

// Metrics is a scheduler.Observer exporting run and task telemetry as
// Prometheus collectors. It observes only; no decision logic lives here.
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	taskTransitions *prometheus.CounterVec
	taskRetries     prometheus.Counter
	taskDuration    *prometheus.HistogramVec
}

var _ scheduler.Observer = (*Metrics)(nil)

// NewMetrics builds the collectors and registers them with the registerer.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_runs_total",
			Help: "Finished flow runs by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowmesh_run_duration_seconds",
			Help:    "Wall clock duration of flow runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_task_transitions_total",
			Help: "Task lifecycle transitions by state.",
		}, []string{"state"}),
		taskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmesh_task_retries_total",
			Help: "Execute re-attempts across all tasks.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowmesh_task_duration_seconds",
			Help:    "Wall clock duration of task executions by terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"state"}),
	}
	reg.MustRegister(m.runsTotal, m.runDuration, m.taskTransitions, m.taskRetries, m.taskDuration)
	return m
}

// TaskTransition implements scheduler.Observer.
func (m *Metrics) TaskTransition(runID, taskID string, state core.TaskState) {
	m.taskTransitions.WithLabelValues(string(state)).Inc()
}

// TaskRetried implements scheduler.Observer.
func (m *Metrics) TaskRetried(runID, taskID string, attempt int) {
	m.taskRetries.Inc()
}

// TaskFinished implements scheduler.Observer.
func (m *Metrics) TaskFinished(runID, taskID string, state core.TaskState, elapsed time.Duration) {
	m.taskDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

// RunFinished implements scheduler.Observer.
func (m *Metrics) RunFinished(runID string, status core.RunStatus, elapsed time.Duration) {
	m.runsTotal.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

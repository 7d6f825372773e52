package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_tasks_total",
			Help: "Total number of processed tasks by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_triage_task_duration_seconds",
			Help:    "Duration of a task from claim to final status",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"mode"},
	)

	ActiveTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_triage_active_tasks",
			Help: "Number of tasks currently running in this worker",
		},
	)

	// Step metrics
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_triage_step_duration_seconds",
			Help:    "Duration of pipeline steps",
			Buckets: []float64{.05, .25, 1, 5, 15, 60, 300, 900},
		},
		[]string{"step", "status"},
	)

	StatusConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_triage_status_conflicts_total",
			Help: "Total number of optimistic status write conflicts retried",
		},
	)

	// Ingestion metrics
	DedupDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_dedup_decisions_total",
			Help: "Total number of dedup ledger decisions",
		},
		[]string{"verdict"},
	)

	FilesAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_files_accepted_total",
			Help: "Total number of uploaded files accepted",
		},
		[]string{"channel", "source_type"},
	)

	FilesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_triage_files_deleted_total",
			Help: "Total number of files soft-deleted",
		},
	)

	DispatchRefusals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_dispatch_refusals_total",
			Help: "Total number of dispatch requests refused at claim time",
		},
		[]string{"mode"},
	)

	EventsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_events_indexed_total",
			Help: "Total number of events written to the index",
		},
		[]string{"source_type"},
	)

	MalformedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_malformed_records_total",
			Help: "Total number of records skipped by the parsers",
		},
		[]string{"source_type"},
	)

	// Detection metrics
	RuleViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_triage_rule_violations_total",
			Help: "Total number of rule violations recorded",
		},
	)

	IOCMatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_triage_ioc_matches_total",
			Help: "Total number of IOC matches recorded",
		},
	)

	DetectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_detection_failures_total",
			Help: "Total number of failed detection passes",
		},
		[]string{"pass"},
	)

	// Dead letter queue
	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_dead_lettered_total",
			Help: "Total number of tasks copied to the dead letter queue",
		},
		[]string{"reason"},
	)
)

// ObserveStep records one step duration.
func ObserveStep(step, status string, d time.Duration) {
	StepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

// ObserveTask records one finished task.
func ObserveTask(mode, outcome string, d time.Duration) {
	TasksTotal.WithLabelValues(mode, outcome).Inc()
	TaskDuration.WithLabelValues(mode).Observe(d.Seconds())
}

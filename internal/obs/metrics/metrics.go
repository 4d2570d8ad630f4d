// Package metrics provides Prometheus metrics collection for every
// component (C1-C6), adapted from the teacher's HTTP/blockchain metrics
// surface to this system's source/document/workflow/task domain.
package metrics

import (
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector exposed by the core.
type Metrics struct {
	// Error metrics, shared by every component.
	ErrorsTotal *prometheus.CounterVec

	// Source poller (C1).
	SourcePollsTotal     *prometheus.CounterVec
	SourcePollDuration    *prometheus.HistogramVec
	SourceConsecutiveFailures *prometheus.GaugeVec
	DocumentsDiscoveredTotal *prometheus.CounterVec

	// Document pipeline (C2).
	PipelineStagesTotal    *prometheus.CounterVec
	PipelineStageDuration  *prometheus.HistogramVec
	PipelineBacklog        prometheus.Gauge

	// Scheduler (C3).
	ScheduledTasksDispatchedTotal *prometheus.CounterVec
	ScheduledTaskDuration         *prometheus.HistogramVec
	ScheduledTasksInFlight        prometheus.Gauge
	ScheduledTasksDisabledTotal   *prometheus.CounterVec

	// Workflow engine (C4).
	WorkflowExecutionsStartedTotal  *prometheus.CounterVec
	WorkflowExecutionsEndedTotal    *prometheus.CounterVec
	WorkflowExecutionDuration       *prometheus.HistogramVec
	TaskInstanceTransitionsTotal    *prometheus.CounterVec

	// Orchestrator (C5).
	TriggersFiredTotal      *prometheus.CounterVec
	ImpactAssessmentsTotal  *prometheus.CounterVec
	ImpactAssessmentScore   *prometheus.HistogramVec

	// APM + DR supervisor (C6).
	DatabaseQueriesTotal  *prometheus.CounterVec
	DatabaseQueryDuration *prometheus.HistogramVec
	DRTestsTotal          *prometheus.CounterVec
	DRHealthScore         *prometheus.GaugeVec

	// Service health.
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "errors_total", Help: "Total number of errors by kind"},
			[]string{"service", "kind", "operation"},
		),

		SourcePollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "source_polls_total", Help: "Total number of source polls"},
			[]string{"service", "source_id", "status"},
		),
		SourcePollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "source_poll_duration_seconds",
				Help:    "Source poll duration in seconds",
				Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"service", "source_id"},
		),
		SourceConsecutiveFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "source_consecutive_failures", Help: "Consecutive poll failures per source"},
			[]string{"service", "source_id"},
		),
		DocumentsDiscoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "documents_discovered_total", Help: "Total number of new documents discovered"},
			[]string{"service", "source_id", "document_type"},
		),

		PipelineStagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pipeline_stages_total", Help: "Total number of pipeline stage runs"},
			[]string{"service", "stage", "status"},
		),
		PipelineStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "stage"},
		),
		PipelineBacklog: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "pipeline_backlog", Help: "Number of documents queued for pipeline processing"},
		),

		ScheduledTasksDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scheduled_tasks_dispatched_total", Help: "Total number of scheduled task dispatches"},
			[]string{"service", "kind", "status"},
		),
		ScheduledTaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduled_task_duration_seconds",
				Help:    "Scheduled task execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"service", "kind"},
		),
		ScheduledTasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "scheduled_tasks_in_flight", Help: "Current number of scheduled tasks executing"},
		),
		ScheduledTasksDisabledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scheduled_tasks_disabled_total", Help: "Total number of tasks auto-disabled after exceeding max failures"},
			[]string{"service", "kind"},
		),

		WorkflowExecutionsStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_executions_started_total", Help: "Total number of workflow executions started"},
			[]string{"service", "definition_id"},
		),
		WorkflowExecutionsEndedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_executions_ended_total", Help: "Total number of workflow executions ended, by terminal status"},
			[]string{"service", "definition_id", "status"},
		),
		WorkflowExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_execution_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{1, 10, 60, 300, 3600, 86400},
			},
			[]string{"service", "definition_id"},
		),
		TaskInstanceTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "task_instance_transitions_total", Help: "Total number of task instance state transitions"},
			[]string{"service", "to_status"},
		),

		TriggersFiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "triggers_fired_total", Help: "Total number of triggers fired"},
			[]string{"service", "kind"},
		),
		ImpactAssessmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "impact_assessments_total", Help: "Total number of impact assessments produced"},
			[]string{"service", "level"},
		),
		ImpactAssessmentScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impact_assessment_score",
				Help:    "Impact assessment composite score",
				Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
			},
			[]string{"service"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "database_queries_total", Help: "Total number of database queries"},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DRTestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dr_tests_total", Help: "Total number of DR probe runs"},
			[]string{"service", "component", "kind", "status"},
		),
		DRHealthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dr_health_score", Help: "Current DR health score per component"},
			[]string{"service", "component"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service information"},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.ErrorsTotal,
			m.SourcePollsTotal, m.SourcePollDuration, m.SourceConsecutiveFailures, m.DocumentsDiscoveredTotal,
			m.PipelineStagesTotal, m.PipelineStageDuration, m.PipelineBacklog,
			m.ScheduledTasksDispatchedTotal, m.ScheduledTaskDuration, m.ScheduledTasksInFlight, m.ScheduledTasksDisabledTotal,
			m.WorkflowExecutionsStartedTotal, m.WorkflowExecutionsEndedTotal, m.WorkflowExecutionDuration, m.TaskInstanceTransitionsTotal,
			m.TriggersFiredTotal, m.ImpactAssessmentsTotal, m.ImpactAssessmentScore,
			m.DatabaseQueriesTotal, m.DatabaseQueryDuration, m.DRTestsTotal, m.DRHealthScore,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)
	return m
}

func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

func (m *Metrics) RecordSourcePoll(service, sourceID, status string, duration time.Duration) {
	m.SourcePollsTotal.WithLabelValues(service, sourceID, status).Inc()
	m.SourcePollDuration.WithLabelValues(service, sourceID).Observe(duration.Seconds())
}

func (m *Metrics) SetSourceConsecutiveFailures(service, sourceID string, count int) {
	m.SourceConsecutiveFailures.WithLabelValues(service, sourceID).Set(float64(count))
}

func (m *Metrics) RecordDocumentDiscovered(service, sourceID, documentType string) {
	m.DocumentsDiscoveredTotal.WithLabelValues(service, sourceID, documentType).Inc()
}

func (m *Metrics) RecordPipelineStage(service, stage, status string, duration time.Duration) {
	m.PipelineStagesTotal.WithLabelValues(service, stage, status).Inc()
	m.PipelineStageDuration.WithLabelValues(service, stage).Observe(duration.Seconds())
}

func (m *Metrics) SetPipelineBacklog(n int) {
	m.PipelineBacklog.Set(float64(n))
}

func (m *Metrics) RecordScheduledTaskDispatch(service, kind, status string, duration time.Duration) {
	m.ScheduledTasksDispatchedTotal.WithLabelValues(service, kind, status).Inc()
	m.ScheduledTaskDuration.WithLabelValues(service, kind).Observe(duration.Seconds())
}

func (m *Metrics) SetScheduledTasksInFlight(n int) {
	m.ScheduledTasksInFlight.Set(float64(n))
}

func (m *Metrics) RecordScheduledTaskDisabled(service, kind string) {
	m.ScheduledTasksDisabledTotal.WithLabelValues(service, kind).Inc()
}

func (m *Metrics) RecordWorkflowStarted(service, definitionID string) {
	m.WorkflowExecutionsStartedTotal.WithLabelValues(service, definitionID).Inc()
}

func (m *Metrics) RecordWorkflowEnded(service, definitionID, status string, duration time.Duration) {
	m.WorkflowExecutionsEndedTotal.WithLabelValues(service, definitionID, status).Inc()
	m.WorkflowExecutionDuration.WithLabelValues(service, definitionID).Observe(duration.Seconds())
}

func (m *Metrics) RecordTaskInstanceTransition(service, toStatus string) {
	m.TaskInstanceTransitionsTotal.WithLabelValues(service, toStatus).Inc()
}

func (m *Metrics) RecordTriggerFired(service, kind string) {
	m.TriggersFiredTotal.WithLabelValues(service, kind).Inc()
}

func (m *Metrics) RecordImpactAssessment(service, level string, score float64) {
	m.ImpactAssessmentsTotal.WithLabelValues(service, level).Inc()
	m.ImpactAssessmentScore.WithLabelValues(service).Observe(score)
}

func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordDRTest(service, component, kind, status string) {
	m.DRTestsTotal.WithLabelValues(service, component, kind, status).Inc()
}

func (m *Metrics) SetDRHealthScore(service, component string, score float64) {
	m.DRHealthScore.WithLabelValues(service, component).Set(score)
}

func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func getEnvironment() string {
	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		return "development"
	}
	return env
}

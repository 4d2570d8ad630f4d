// Package orchestrator implements the Orchestrator (C5): routes events to
// workflows via stateful Triggers and coordinates the regulatory-change fast
// path (§4.5).
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/errs"
	"github.com/regulens/compliance-core/internal/eventsink"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/obs/metrics"
	"github.com/regulens/compliance-core/internal/store"
	"github.com/regulens/compliance-core/internal/workflow"
)

// WorkflowStarter is the capability the Orchestrator needs of the Workflow
// Engine (§9: avoid a direct cyclic import between C5 and C4 beyond what is
// used).
type WorkflowStarter interface {
	Start(ctx context.Context, definitionID, triggeredBy string, triggerPayload, initialVars map[string]any) (*domain.WorkflowExecution, error)
}

var _ WorkflowStarter = (*workflow.Engine)(nil)

// Orchestrator routes events to triggers and runs the regulatory-change fast
// path (§4.5).
type Orchestrator struct {
	store    store.Store
	engine   WorkflowStarter
	assessor *ImpactAssessor
	sink     eventsink.Sink
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// New constructs an Orchestrator.
func New(st store.Store, engine WorkflowStarter, assessor *ImpactAssessor, sink eventsink.Sink, log *logging.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{store: st, engine: engine, assessor: assessor, sink: sink, log: log, metrics: m}
}

// RegisterTrigger persists a Trigger.
func (o *Orchestrator) RegisterTrigger(ctx context.Context, t domain.Trigger) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Kind == domain.TriggerTaskCompletion && len(t.Condition.TaskTypes) == 0 {
		// Open Question #2: a task_completion trigger with no explicit scope
		// is rejected rather than implicitly matching every task kind.
		return "", errs.Validation("condition.task_types", "task_completion triggers must declare explicit task_types")
	}
	if err := o.store.Upsert(ctx, store.TableTriggers, t.ID, &t); err != nil {
		return "", errs.Transient("persist trigger", err)
	}
	return t.ID, nil
}

// EmitEvent implements §4.5's routing algorithm: select enabled triggers of
// the given kind, sort by descending priority, and fire each whose cooldown
// has elapsed and whose condition evaluates true against payload.
func (o *Orchestrator) EmitEvent(ctx context.Context, kind domain.TriggerKind, payload map[string]any, actor string) ([]string, error) {
	var triggers []domain.Trigger
	if err := o.store.QueryByIndex(ctx, store.TableTriggers, "Kind", kind, &triggers); err != nil {
		return nil, errs.Transient("query triggers", err)
	}

	enabled := triggers[:0]
	for _, t := range triggers {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Priority > enabled[j].Priority })

	now := time.Now()
	var started []string
	for i := range enabled {
		t := enabled[i]
		if t.CooldownActive(now) {
			continue
		}
		ok, err := evalTriggerCondition(t.Condition, payload)
		if err != nil {
			o.log.WithComponent("orchestrator").WithError(err).Warn("trigger condition evaluation failed")
			continue
		}
		if !ok {
			continue
		}

		triggerPayload := cloneMap(payload)
		triggerPayload["trigger_id"] = t.ID
		triggerPayload["trigger_kind"] = string(t.Kind)

		exec, err := o.engine.Start(ctx, t.TargetDefinitionID, actor, triggerPayload, nil)
		if err != nil {
			o.log.WithComponent("orchestrator").WithError(err).Warn("failed to start workflow for trigger")
			continue
		}
		started = append(started, exec.ID)

		t.LastFired = &now
		if err := o.store.Upsert(ctx, store.TableTriggers, t.ID, &t); err != nil {
			o.log.WithComponent("orchestrator").WithError(err).Warn("failed to persist trigger last_fired")
		}
		if o.metrics != nil {
			o.metrics.RecordTriggerFired("compliance-core", string(t.Kind))
		}
	}
	return started, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// evalTriggerCondition evaluates a ConditionSpec against a trigger payload.
// Unlike the workflow engine's evaluators, there is no ExecutionContext or
// Completed set here; only variable-style and always/never conditions are
// meaningful for trigger routing.
func evalTriggerCondition(spec domain.ConditionSpec, payload map[string]any) (bool, error) {
	switch spec.Kind {
	case "", domain.ConditionAlways:
		return true, nil
	case domain.ConditionNever:
		return false, nil
	case domain.ConditionVariableEquals:
		got, ok := payload[spec.VariableKey]
		if !ok {
			return false, nil
		}
		return fmt.Sprint(got) == fmt.Sprint(spec.VariableValue), nil
	case domain.ConditionVariableGreaterThan:
		got, ok := payload[spec.VariableKey]
		if !ok {
			return false, nil
		}
		num, ok := toFloat(got)
		if !ok {
			return false, errs.Validation("variable", "value is not numeric")
		}
		return num > spec.Threshold, nil
	default:
		return false, errs.Validation("condition_kind", "unsupported for trigger routing").WithDetail("kind", spec.Kind)
	}
}

// Receipt is the structured result of handle_regulatory_change (§4.5 step e).
type Receipt struct {
	DocumentID       string
	ImpactLevel      domain.ImpactLevel
	StartedWorkflows []string
	CreatedTaskIDs   []string
	NotificationSent bool
	Errors           []string
	Success          bool
}

// HandleRegulatoryChange implements the regulatory-change fast path (§4.5).
func (o *Orchestrator) HandleRegulatoryChange(ctx context.Context, doc domain.RegulatoryDocument) *Receipt {
	r := &Receipt{DocumentID: doc.ID, Success: true}

	assessment, err := o.assessor.Assess(ctx, doc, false)
	if err != nil {
		r.Errors = append(r.Errors, "impact assessment: "+err.Error())
		r.Success = false
		return r
	}
	r.ImpactLevel = assessment.Level

	started, err := o.EmitEvent(ctx, domain.TriggerRegulatoryChange, map[string]any{
		"document_id": doc.ID, "impact_level": string(assessment.Level), "impact_score": assessment.Score,
	}, "system")
	if err != nil {
		r.Errors = append(r.Errors, "emit regulatory_change event: "+err.Error())
		r.Success = false
	} else {
		r.StartedWorkflows = started
	}

	if assessment.Level == domain.ImpactHigh || assessment.Level == domain.ImpactCritical {
		taskIDs, err := o.createImmediateTasks(ctx, doc, assessment)
		if err != nil {
			r.Errors = append(r.Errors, "create immediate tasks: "+err.Error())
			r.Success = false
		}
		r.CreatedTaskIDs = taskIDs
	}

	if err := o.notify(ctx, doc, assessment); err != nil {
		r.Errors = append(r.Errors, "emit notification: "+err.Error())
		r.Success = false
	} else {
		r.NotificationSent = true
	}

	return r
}

// createImmediateTasks implements §4.5 step c: review + validation tasks
// with 7d / 14d due dates and priority propagated from impact level.
func (o *Orchestrator) createImmediateTasks(ctx context.Context, doc domain.RegulatoryDocument, assessment *domain.ImpactAssessment) ([]string, error) {
	priority := domain.PriorityFromImpact(assessment.Level)
	now := time.Now()

	review := domain.ComplianceTask{
		ID:       uuid.New().String(),
		Status:   domain.TaskAssigned,
		Priority: priority,
		Assignment: domain.Assignment{
			Kind: "review", DueAt: now.Add(7 * 24 * time.Hour),
		},
		RequiredEvidence: []string{"review_notes"},
		CreatedAt:        now,
		DueAt:            now.Add(7 * 24 * time.Hour),
	}
	validation := domain.ComplianceTask{
		ID:       uuid.New().String(),
		Status:   domain.TaskAssigned,
		Priority: priority,
		Assignment: domain.Assignment{
			Kind: "validation", DueAt: now.Add(14 * 24 * time.Hour),
		},
		RequiredEvidence: []string{"validation_report"},
		CreatedAt:        now,
		DueAt:            now.Add(14 * 24 * time.Hour),
	}

	var ids []string
	for _, task := range []domain.ComplianceTask{review, validation} {
		if err := o.store.Upsert(ctx, store.TableComplianceTasks, task.ID, &task); err != nil {
			return ids, errs.Transient("persist compliance task", err)
		}
		ids = append(ids, task.ID)
	}
	return ids, nil
}

func (o *Orchestrator) notify(ctx context.Context, doc domain.RegulatoryDocument, assessment *domain.ImpactAssessment) error {
	if o.sink == nil {
		return nil
	}
	return o.sink.Emit(ctx, eventsink.Event{
		Kind:     "regulatory_change",
		Severity: severityFor(assessment.Level),
		Subject:  "regulatory change detected: " + doc.Title,
		Body:     strings.TrimSpace(fmt.Sprintf("impact=%s score=%.2f", assessment.Level, assessment.Score)),
		Tags:     map[string]string{"document_id": doc.ID, "impact_level": string(assessment.Level)},
		DedupKey: doc.ID,
	})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func severityFor(level domain.ImpactLevel) eventsink.Severity {
	switch level {
	case domain.ImpactCritical, domain.ImpactHigh:
		return eventsink.SeverityWarning
	default:
		return eventsink.SeverityInfo
	}
}

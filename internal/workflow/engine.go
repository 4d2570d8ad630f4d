// Package workflow implements the Workflow Engine (C4): a DAG executor over
// named workflow definitions, with a task-instance state machine,
// prerequisites, conditions, approvals, automated steps, and compensation
// on failure (§4.4).
package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regulens/compliance-core/internal/cache/rediscache"
	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/errs"
	"github.com/regulens/compliance-core/internal/eventsink"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/obs/metrics"
	"github.com/regulens/compliance-core/internal/store"
)

// DomainHandler executes an `automated` task or a domain-kind task's work
// inline, returning result variables merged into the execution context
// (§4.4.2). It is keyed by TaskDefinition.AutomationRef in the registry.
type DomainHandler func(ctx context.Context, exec domain.WorkflowExecution, def domain.TaskDefinition) (map[string]any, error)

// Engine executes WorkflowDefinitions as persistent, resumable DAGs (§4.4).
type Engine struct {
	store   store.Store
	sink    eventsink.Sink
	log     *logging.Logger
	metrics *metrics.Metrics

	handlersMu sync.RWMutex
	handlers   map[string]DomainHandler
	evaluators map[domain.ConditionKind]Evaluator
	custom     map[string]Evaluator

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// defCache holds workflow definitions read-mostly and populated on miss
	// (§5). Entries are immutable once loaded: a new definition version gets
	// a new id rather than mutating a cached one.
	defCache DefinitionCache
}

// New constructs an Engine. rc is the optional second-level cache (§6 Cache
// config): when non-nil, definitions are cached in Redis and shared across
// every instance pointed at the same server; when nil, each instance keeps
// its own in-process cache.
func New(st store.Store, sink eventsink.Sink, log *logging.Logger, m *metrics.Metrics, rc *rediscache.Cache) *Engine {
	var defCache DefinitionCache
	if rc != nil {
		defCache = newRedisDefCache(rc)
	} else {
		defCache = newLocalDefCache()
	}
	return &Engine{
		store:      st,
		sink:       sink,
		log:        log,
		metrics:    m,
		handlers:   make(map[string]DomainHandler),
		evaluators: builtinEvaluators(),
		custom:     make(map[string]Evaluator),
		locks:      make(map[string]*sync.Mutex),
		defCache:   defCache,
	}
}

// RegisterDomainHandler binds a handler to a TaskDefinition.AutomationRef
// key, used by `automated` and domain-kind (review, risk-assessment,
// filing, compliance-check) tasks.
func (e *Engine) RegisterDomainHandler(ref string, h DomainHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[ref] = h
}

// RegisterConditionEvaluator registers a custom evaluator under name,
// looked up when a ConditionSpec has Kind=ConditionCustom and CustomName
// equal to name. Per §4.4.3 and §9, custom evaluators must be pure
// functions of (context, config) — the caller is responsible for that.
func (e *Engine) RegisterConditionEvaluator(name string, fn Evaluator) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.custom[name] = fn
}

// RegisterDefinition validates and caches a WorkflowDefinition (§3: version-
// immutable once executed; callers must mint a new id/version to change it).
func (e *Engine) RegisterDefinition(ctx context.Context, def domain.WorkflowDefinition) (string, error) {
	if err := validateDAG(def); err != nil {
		return "", err
	}
	if err := e.store.Upsert(ctx, store.TableWorkflowDefinitions, def.ID, &def); err != nil {
		return "", errs.Transient("persist workflow definition", err)
	}
	e.defCache.Set(ctx, def.ID, &def)
	return def.ID, nil
}

// validateDAG enforces the §3 TaskDefinition invariant: the prerequisite
// graph over a definition's tasks is acyclic.
func validateDAG(def domain.WorkflowDefinition) error {
	byID := make(map[string]domain.TaskDefinition, len(def.Tasks))
	for _, t := range def.Tasks {
		byID[t.ID] = t
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return errs.Validation("prerequisites", "cycle detected in task prerequisite graph").WithDetail("task", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].Prerequisites {
			if _, ok := byID[dep]; !ok {
				return errs.Validation("prerequisites", "unknown prerequisite").WithDetail("task", id).WithDetail("prerequisite", dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, t := range def.Tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) loadDefinition(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	if cached, ok := e.defCache.Get(ctx, id); ok {
		return cached, nil
	}
	var loaded domain.WorkflowDefinition
	if err := e.store.GetByID(ctx, store.TableWorkflowDefinitions, id, &loaded); err != nil {
		return nil, err
	}
	e.defCache.Set(ctx, id, &loaded)
	return &loaded, nil
}

func (e *Engine) lockFor(execID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[execID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[execID] = l
	}
	return l
}

// Start begins execution of a WorkflowDefinition (§4.4.1 step 1-2).
func (e *Engine) Start(ctx context.Context, definitionID, triggeredBy string, triggerPayload, initialVars map[string]any) (*domain.WorkflowExecution, error) {
	def, err := e.loadDefinition(ctx, definitionID)
	if err != nil {
		return nil, errs.NotFound("workflow_definition", definitionID)
	}
	if !def.Active {
		return nil, errs.Validation("definition_id", "definition is not active")
	}

	vars := mergeVars(def.DefaultVariables, initialVars)
	exec := domain.NewWorkflowExecution(uuid.New().String(), def.ID, domain.ExecutionContext{
		Variables: vars, TriggeredBy: triggeredBy, TriggerPayload: triggerPayload,
	})

	if err := e.store.Upsert(ctx, store.TableWorkflowExecutions, exec.ID, exec); err != nil {
		return nil, errs.Transient("persist new execution", err)
	}
	if e.metrics != nil {
		e.metrics.RecordWorkflowStarted("compliance-core", def.ID)
	}

	lock := e.lockFor(exec.ID)
	lock.Lock()
	e.advance(ctx, exec, def)
	lock.Unlock()
	return exec, nil
}

func mergeVars(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// advance computes the ready set and starts each newly-ready task (§4.4.1
// step 2-3). Must be called with exec's per-execution lock held by the
// caller's surrounding withExecution, or immediately after Start/complete.
func (e *Engine) advance(ctx context.Context, exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) {
	if exec.Status.IsTerminal() {
		return
	}
	if exec.Status == domain.ExecutionPaused {
		return
	}
	if e.expired(exec, def) {
		e.terminate(ctx, exec, domain.ExecutionExpired)
		return
	}

	ready := e.readySet(exec, def)
	for _, taskDef := range ready {
		e.armTask(ctx, exec, def, taskDef)
	}

	e.recomputeProgress(exec, def)
	if e.isComplete(exec, def) {
		e.finish(ctx, exec, def)
		return
	}
	_ = e.store.Upsert(ctx, store.TableWorkflowExecutions, exec.ID, exec)
}

func (e *Engine) expired(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) bool {
	if def.Settings.MaxDurationSeconds <= 0 {
		return false
	}
	return time.Since(exec.StartedAt) > time.Duration(def.Settings.MaxDurationSeconds)*time.Second
}

// readySet implements §4.4.1 step 2/3's ready-set formula, evaluating each
// candidate's gating condition (§4.4.2: "pending -> skipped if gating
// condition becomes false").
func (e *Engine) readySet(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) []domain.TaskDefinition {
	var ready []domain.TaskDefinition
	for _, t := range def.Tasks {
		if exec.Current[t.ID] || exec.Completed[t.ID] || exec.Failed[t.ID] {
			continue
		}
		if !prereqsSatisfied(t, exec.Completed) {
			continue
		}
		if t.Condition != nil && t.Kind != domain.TaskKindCondition {
			ok, err := e.evaluate(exec.Context, *t.Condition, exec.Completed)
			if err != nil || !ok {
				e.skip(exec, t)
				continue
			}
		}
		ready = append(ready, t)
	}
	return ready
}

func prereqsSatisfied(t domain.TaskDefinition, completed map[string]bool) bool {
	for _, p := range t.Prerequisites {
		if !completed[p] {
			return false
		}
	}
	return true
}

func (e *Engine) skip(exec *domain.WorkflowExecution, t domain.TaskDefinition) {
	exec.Completed[t.ID] = true
	exec.History = append(exec.History, domain.HistoryEvent{At: time.Now(), Kind: "task_skipped", TaskID: t.ID})
}

func (e *Engine) evaluate(ctx domain.ExecutionContext, spec domain.ConditionSpec, completed map[string]bool) (bool, error) {
	if spec.Kind == domain.ConditionCustom {
		e.handlersMu.RLock()
		fn, ok := e.custom[spec.CustomName]
		e.handlersMu.RUnlock()
		if !ok {
			return false, errs.Validation("custom_name", "no custom evaluator registered").WithDetail("name", spec.CustomName)
		}
		return fn(ctx, spec, completed)
	}
	fn, ok := e.evaluators[spec.Kind]
	if !ok {
		return false, errs.Validation("condition_kind", "unknown condition kind").WithDetail("kind", spec.Kind)
	}
	return fn(ctx, spec, completed)
}

// armTask starts one task per its kind's dispatch rule (§4.4.2).
func (e *Engine) armTask(ctx context.Context, exec *domain.WorkflowExecution, def *domain.WorkflowDefinition, t domain.TaskDefinition) {
	exec.Current[t.ID] = true
	exec.History = append(exec.History, domain.HistoryEvent{At: time.Now(), Kind: "task_started", TaskID: t.ID})
	if e.metrics != nil {
		e.metrics.RecordTaskInstanceTransition("compliance-core", "assigned")
	}

	switch t.Kind {
	case domain.TaskKindCondition:
		go e.runCondition(exec.ID, t)
	case domain.TaskKindAutomated:
		go e.runDomainHandler(exec.ID, *exec, t)
	case domain.TaskKindNotification:
		go e.runNotification(exec.ID, *exec, t)
	case domain.TaskKindApproval:
		go e.runApproval(exec.ID, *exec, t)
	case domain.TaskKindManual:
		// engine only arms the task; an external complete_task/fail_task
		// call resolves it (§4.4.2).
	default:
		// domain kinds: review, risk-assessment, compliance-check, filing.
		e.handlersMu.RLock()
		_, hasHandler := e.handlers[t.AutomationRef]
		e.handlersMu.RUnlock()
		if hasHandler {
			go e.runDomainHandler(exec.ID, *exec, t)
		}
		// else: armed like manual, waiting for external resolution.
	}
}

func (e *Engine) runCondition(execID string, t domain.TaskDefinition) {
	exec, def, ok := e.loadForExecution(execID)
	if !ok {
		return
	}
	var result bool
	var err error
	if t.Condition != nil {
		result, err = e.evaluate(exec.Context, *t.Condition, exec.Completed)
	}
	if err != nil {
		e.FailTask(context.Background(), execID, t.ID, err)
		return
	}
	vars := map[string]any{"condition_result": result, t.ID + "_result": result}
	e.CompleteTask(context.Background(), execID, t.ID, vars)
}

func (e *Engine) runNotification(execID string, exec domain.WorkflowExecution, t domain.TaskDefinition) {
	if e.sink != nil {
		_ = e.sink.Emit(context.Background(), eventsink.Event{
			Kind: "workflow_notification", Severity: eventsink.SeverityInfo,
			Subject: "workflow task notification", Body: t.ID, DedupKey: exec.ID + ":" + t.ID,
		})
	}
	e.CompleteTask(context.Background(), execID, t.ID, nil)
}

func (e *Engine) runApproval(execID string, exec domain.WorkflowExecution, t domain.TaskDefinition) {
	if t.Approval == nil || len(t.Approval.Approvers) == 0 {
		e.FailTask(context.Background(), execID, t.ID, errs.Validation("approval", "no approvers configured"))
		return
	}
	if e.sink != nil {
		for _, approver := range t.Approval.Approvers {
			_ = e.sink.Emit(context.Background(), eventsink.Event{
				Kind: "approval_required", Severity: eventsink.SeverityInfo,
				Subject: "approval requested", Body: t.ID, Tags: map[string]string{"approver": approver},
				DedupKey: exec.ID + ":" + t.ID + ":" + approver,
			})
		}
	}
	// Quorum is granted asynchronously via GrantApproval; the task stays
	// `current` (waiting-approval) until then.
}

func (e *Engine) runDomainHandler(execID string, exec domain.WorkflowExecution, t domain.TaskDefinition) {
	e.handlersMu.RLock()
	h, ok := e.handlers[t.AutomationRef]
	e.handlersMu.RUnlock()
	if !ok {
		e.FailTask(context.Background(), execID, t.ID, errs.Validation("automation_ref", "no_handler"))
		return
	}

	runCtx := context.Background()
	if t.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(t.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := e.runProtected(runCtx, h, exec, t)
	if err != nil {
		e.FailTask(context.Background(), execID, t.ID, err)
		return
	}
	e.CompleteTask(context.Background(), execID, t.ID, result)
}

// runProtected converts a panicking handler into a failure rather than
// crashing the engine (§4.4.2 "Failure isolation").
func (e *Engine) runProtected(ctx context.Context, h DomainHandler, exec domain.WorkflowExecution, t domain.TaskDefinition) (result map[string]any, err error) {
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = errs.Fatal("task handler panicked", nil)
			}
			close(done)
		}()
		result, err = h(ctx, exec, t)
	}()
	select {
	case <-ctx.Done():
		return nil, errs.Timeout("task " + t.ID)
	case <-done:
		return result, err
	}
}

func (e *Engine) loadForExecution(execID string) (*domain.WorkflowExecution, *domain.WorkflowDefinition, bool) {
	var exec domain.WorkflowExecution
	if err := e.store.GetByID(context.Background(), store.TableWorkflowExecutions, execID, &exec); err != nil {
		return nil, nil, false
	}
	def, err := e.loadDefinition(context.Background(), exec.DefinitionID)
	if err != nil {
		return nil, nil, false
	}
	return &exec, def, true
}

// withExecution loads the execution, runs fn under its per-execution lock,
// persists it, and returns fn's error (§5: per-execution serialization).
func (e *Engine) withExecution(ctx context.Context, execID string, fn func(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) error) error {
	lock := e.lockFor(execID)
	lock.Lock()
	defer lock.Unlock()

	exec, def, ok := e.loadForExecution(execID)
	if !ok {
		return errs.NotFound("workflow_execution", execID)
	}
	if err := fn(exec, def); err != nil {
		return err
	}
	return e.store.Upsert(ctx, store.TableWorkflowExecutions, exec.ID, exec)
}

// CompleteTask implements §4.4.1 step 3.
func (e *Engine) CompleteTask(ctx context.Context, execID, taskID string, resultVars map[string]any) error {
	return e.withExecution(ctx, execID, func(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) error {
		if exec.Status.IsTerminal() {
			return errs.Conflict("execution is already terminal")
		}
		if !exec.Current[taskID] {
			return errs.Conflict("task is not current").WithDetail("task", taskID)
		}
		delete(exec.Current, taskID)
		exec.Completed[taskID] = true
		exec.History = append(exec.History, domain.HistoryEvent{At: time.Now(), Kind: "task_completed", TaskID: taskID})
		for k, v := range resultVars {
			exec.Context.Variables[k] = v
		}
		if e.metrics != nil {
			e.metrics.RecordTaskInstanceTransition("compliance-core", "completed")
		}
		e.advance(ctx, exec, def)
		return nil
	})
}

// FailTask implements §4.4.1 step 4.
func (e *Engine) FailTask(ctx context.Context, execID, taskID string, taskErr error) error {
	return e.withExecution(ctx, execID, func(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) error {
		if exec.Status.IsTerminal() {
			return errs.Conflict("execution is already terminal")
		}
		if !exec.Current[taskID] {
			return errs.Conflict("task is not current").WithDetail("task", taskID)
		}
		delete(exec.Current, taskID)
		exec.Failed[taskID] = true
		detail := ""
		if taskErr != nil {
			detail = taskErr.Error()
		}
		exec.History = append(exec.History, domain.HistoryEvent{At: time.Now(), Kind: "task_failed", TaskID: taskID, Detail: detail})
		if e.metrics != nil {
			e.metrics.RecordTaskInstanceTransition("compliance-core", "failed")
		}

		switch def.Settings.FailureBehavior {
		case domain.FailureBehaviorStop:
			e.terminate(ctx, exec, domain.ExecutionFailed)
			return nil
		case domain.FailureBehaviorRetry:
			// Same "_retry_used:" marker prefix as domain's retryMarkerKey.
			retryKey := "_retry_used:" + taskID
			if exec.Context.Variables == nil {
				exec.Context.Variables = make(map[string]any)
			}
			if used, _ := exec.Context.Variables[retryKey].(bool); !used {
				exec.Context.Variables[retryKey] = true
				delete(exec.Failed, taskID)
				e.armTask(ctx, exec, def, *mustTask(def, taskID))
				return nil
			}
			// already retried once; fall through to continue semantics
			fallthrough
		case domain.FailureBehaviorContinue:
			e.advance(ctx, exec, def)
		default:
			e.advance(ctx, exec, def)
		}
		return nil
	})
}

func mustTask(def *domain.WorkflowDefinition, id string) *domain.TaskDefinition {
	t, _ := def.TaskByID(id)
	return t
}

// GrantApproval records one approver's grant and, on quorum, completes the
// approval task (§4.4.2).
func (e *Engine) GrantApproval(ctx context.Context, execID, taskID, approver string) error {
	return e.withExecution(ctx, execID, func(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) error {
		if !exec.Current[taskID] {
			return errs.Conflict("task is not current").WithDetail("task", taskID)
		}
		t, ok := def.TaskByID(taskID)
		if !ok || t.Approval == nil {
			return errs.Validation("task_id", "not an approval task")
		}
		key := approvalVarKey(exec.ID + ":" + taskID)
		grants, _ := exec.Context.Variables[key].(map[string]any)
		if grants == nil {
			grants = map[string]any{}
		}
		grants[approver] = true
		exec.Context.Variables[key] = grants

		if len(grants) >= t.Approval.Quorum {
			delete(exec.Current, taskID)
			exec.Completed[taskID] = true
			exec.Context.Variables[approvalVarKey(taskID)] = true
			exec.History = append(exec.History, domain.HistoryEvent{At: time.Now(), Kind: "task_completed", TaskID: taskID, Detail: "quorum reached"})
			e.advance(ctx, exec, def)
		}
		return nil
	})
}

// CancelWorkflow cancels every current task and the execution itself
// (§4.4.3, Open Question #3: granted approvals remain as audit history but
// do not resurrect a cancelled workflow).
func (e *Engine) CancelWorkflow(ctx context.Context, execID, reason string) error {
	return e.withExecution(ctx, execID, func(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) error {
		if exec.Status.IsTerminal() {
			return errs.Conflict("execution is already terminal")
		}
		for id := range exec.Current {
			delete(exec.Current, id)
		}
		exec.Status = domain.ExecutionCancelled
		now := time.Now()
		exec.EndedAt = &now
		exec.History = append(exec.History, domain.HistoryEvent{At: now, Kind: "cancelled", Detail: reason})
		e.recordTerminalMetrics(exec, def)
		return nil
	})
}

// PauseWorkflow / ResumeWorkflow implement the draft/active/paused states
// of §3. Pausing does not affect armed tasks; it only blocks advance() from
// starting new ones until resumed.
func (e *Engine) PauseWorkflow(ctx context.Context, execID string) error {
	return e.withExecution(ctx, execID, func(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) error {
		if exec.Status != domain.ExecutionActive {
			return errs.Conflict("execution is not active")
		}
		exec.Status = domain.ExecutionPaused
		return nil
	})
}

func (e *Engine) ResumeWorkflow(ctx context.Context, execID string) error {
	return e.withExecution(ctx, execID, func(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) error {
		if exec.Status != domain.ExecutionPaused {
			return errs.Conflict("execution is not paused")
		}
		exec.Status = domain.ExecutionActive
		e.advance(ctx, exec, def)
		return nil
	})
}

func (e *Engine) recomputeProgress(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) {
	total := len(def.Tasks)
	if total == 0 {
		exec.Progress = 100
		return
	}
	exec.Progress = 100 * float64(len(exec.Completed)) / float64(total)
}

func (e *Engine) isComplete(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) bool {
	return len(exec.Completed)+len(exec.Failed) >= len(def.Tasks) && len(exec.Current) == 0
}

// finish applies §4.4.3's termination rule once every task is terminal.
func (e *Engine) finish(ctx context.Context, exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) {
	if len(exec.Failed) == 0 || len(exec.Failed) <= def.Settings.MaxAcceptableFailures {
		e.terminate(ctx, exec, domain.ExecutionCompleted)
		return
	}
	e.terminate(ctx, exec, domain.ExecutionFailed)
}

func (e *Engine) terminate(ctx context.Context, exec *domain.WorkflowExecution, status domain.ExecutionStatus) {
	if exec.Status.IsTerminal() {
		return
	}
	exec.Status = status
	now := time.Now()
	exec.EndedAt = &now
	exec.Progress = 100 * float64(len(exec.Completed)) / maxFloat(1, float64(totalTasksOf(exec)))
	_ = e.store.Upsert(ctx, store.TableWorkflowExecutions, exec.ID, exec)
	e.recordTerminalMetrics(exec, nil)
}

func totalTasksOf(exec *domain.WorkflowExecution) int {
	return len(exec.Completed) + len(exec.Failed) + len(exec.Current)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (e *Engine) recordTerminalMetrics(exec *domain.WorkflowExecution, def *domain.WorkflowDefinition) {
	if e.metrics == nil {
		return
	}
	duration := time.Duration(0)
	if exec.EndedAt != nil {
		duration = exec.EndedAt.Sub(exec.StartedAt)
	}
	e.metrics.RecordWorkflowEnded("compliance-core", exec.DefinitionID, string(exec.Status), duration)
}

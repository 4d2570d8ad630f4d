package domain

import "time"

// TaskKind is the closed set of task-definition kinds (§3, §4.4.2).
type TaskKind string

const (
	TaskKindManual           TaskKind = "manual"
	TaskKindAutomated        TaskKind = "automated"
	TaskKindApproval         TaskKind = "approval"
	TaskKindCondition        TaskKind = "condition"
	TaskKindNotification     TaskKind = "notification"
	TaskKindReview           TaskKind = "review"
	TaskKindRiskAssessment   TaskKind = "risk-assessment"
	TaskKindComplianceCheck  TaskKind = "compliance-check"
	TaskKindFiling           TaskKind = "filing"
)

// FailureBehavior is the closed set of workflow failure-handling policies
// (§4.4.1, §6).
type FailureBehavior string

const (
	FailureBehaviorStop     FailureBehavior = "stop"
	FailureBehaviorContinue FailureBehavior = "continue"
	FailureBehaviorRetry    FailureBehavior = "retry"
)

// ApprovalConfig declares the approvers and quorum required for an
// `approval` task kind (§4.4.2).
type ApprovalConfig struct {
	Approvers []string
	Quorum    int
}

// TaskDefinition is one node of a WorkflowDefinition's DAG (§3).
// Invariant: the prerequisite graph over a definition's tasks is acyclic;
// enforced by WorkflowDefinition.Validate.
type TaskDefinition struct {
	ID             string
	Kind           TaskKind
	Prerequisites  []string
	Condition      *ConditionSpec
	TimeoutSeconds int
	Approval       *ApprovalConfig
	AutomationRef  string // handler registry key for automated/domain kinds
}

// WorkflowSettings configures termination and failure behavior (§4.4.1,
// §4.4.3, §6).
type WorkflowSettings struct {
	FailureBehavior       FailureBehavior
	MaxAcceptableFailures int
	MaxDurationSeconds    int
}

// WorkflowDefinition is version-immutable: once executed, any mutation must
// produce a new version/id (§3).
type WorkflowDefinition struct {
	ID              string
	Name            string
	Version         int
	Category        string
	Tasks           []TaskDefinition
	DefaultVariables map[string]any
	Settings        WorkflowSettings
	Active          bool
}

// TaskByID returns the task definition with the given id, if present.
func (d *WorkflowDefinition) TaskByID(id string) (*TaskDefinition, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// ExecutionStatus is the closed set of WorkflowExecution states (§3).
type ExecutionStatus string

const (
	ExecutionDraft     ExecutionStatus = "draft"
	ExecutionActive    ExecutionStatus = "active"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionExpired   ExecutionStatus = "expired"
)

// IsTerminal reports whether status is one of the terminal states.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionExpired:
		return true
	default:
		return false
	}
}

// HistoryEvent is one append-only entry of an execution's history (§3).
type HistoryEvent struct {
	At     time.Time
	Kind   string // "task_started", "task_completed", "task_failed", "cancelled", ...
	TaskID string
	Detail string
}

// ExecutionContext carries the workflow's variable bag and trigger
// provenance (§3).
type ExecutionContext struct {
	Variables      map[string]any
	TriggeredBy    string
	TriggerPayload map[string]any
}

// retryMarkerKey is the reserved Variables key prefix tracking whether a
// task has already consumed its one retry under FailureBehaviorRetry.
const retryMarkerKey = "_retry_used:"

func (c *ExecutionContext) retriedOnce(taskID string) bool {
	used, _ := c.Variables[retryMarkerKey+taskID].(bool)
	return used
}

func (c *ExecutionContext) markRetried(taskID string) {
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	c.Variables[retryMarkerKey+taskID] = true
}

// WorkflowExecution is a running or completed instantiation of a
// WorkflowDefinition (§3). Invariants enforced by internal/workflow:
// a task id appears in at most one of Current/Completed/Failed;
// Completed ∪ Failed ⊆ definition.Tasks; once terminal, immutable.
type WorkflowExecution struct {
	ID           string
	DefinitionID string
	Status       ExecutionStatus
	Context      ExecutionContext
	Current      map[string]bool
	Completed    map[string]bool
	Failed       map[string]bool
	History      []HistoryEvent
	Progress     float64
	StartedAt    time.Time
	EndedAt      *time.Time
}

// NewWorkflowExecution builds a fresh, active execution with empty sets.
func NewWorkflowExecution(id, definitionID string, ctx ExecutionContext) *WorkflowExecution {
	return &WorkflowExecution{
		ID:           id,
		DefinitionID: definitionID,
		Status:       ExecutionActive,
		Context:      ctx,
		Current:      make(map[string]bool),
		Completed:    make(map[string]bool),
		Failed:       make(map[string]bool),
		StartedAt:    time.Now(),
	}
}

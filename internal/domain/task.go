package domain

import "time"

// TaskInstanceStatus is the closed set of ComplianceTask states (§3, §4.4.2).
type TaskInstanceStatus string

const (
	TaskDraft           TaskInstanceStatus = "draft"
	TaskAssigned        TaskInstanceStatus = "assigned"
	TaskInProgress      TaskInstanceStatus = "in-progress"
	TaskWaitingReview   TaskInstanceStatus = "waiting-review"
	TaskWaitingApproval TaskInstanceStatus = "waiting-approval"
	TaskCompleted       TaskInstanceStatus = "completed"
	TaskOverdue         TaskInstanceStatus = "overdue"
	TaskCancelled       TaskInstanceStatus = "cancelled"
	TaskFailed          TaskInstanceStatus = "failed"
	TaskSkipped         TaskInstanceStatus = "skipped"
)

// Priority is a coarse urgency band shared by tasks and triggers.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// PriorityFromImpact maps an ImpactLevel onto a task Priority (§4.5 step c:
// "priority propagated from impact level").
func PriorityFromImpact(level ImpactLevel) Priority {
	switch level {
	case ImpactCritical:
		return PriorityCritical
	case ImpactHigh:
		return PriorityHigh
	case ImpactMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Assignment describes who a ComplianceTask is assigned to (§3).
type Assignment struct {
	AssigneeID        string
	Kind               string
	DueAt              time.Time
	DelegationAllowed  bool
}

// CommentEntry is one append-only entry of a ComplianceTask's comment log.
type CommentEntry struct {
	At     time.Time
	Author string
	Body   string
}

// ComplianceTask is a standalone or workflow-bound task instance (§3).
// Invariants enforced by internal/workflow: completion requires every
// required-evidence kind present; subtask completion triggers parent
// re-evaluation.
type ComplianceTask struct {
	ID                string
	WorkflowExecutionID string // empty for standalone tasks
	DefinitionTaskID  string
	ParentID          string
	SubtaskIDs        []string
	Status            TaskInstanceStatus
	Priority          Priority
	Assignment        Assignment
	Progress          float64
	Evidence          []string
	RequiredEvidence  []string
	RequiredApprovals int
	ApprovalsGranted  []string
	Comments          []CommentEntry
	EffortEstimateHours float64
	CreatedAt         time.Time
	DueAt             time.Time
}

// HasRequiredEvidence reports whether every required evidence kind is present.
func (t *ComplianceTask) HasRequiredEvidence() bool {
	have := make(map[string]bool, len(t.Evidence))
	for _, e := range t.Evidence {
		have[e] = true
	}
	for _, req := range t.RequiredEvidence {
		if !have[req] {
			return false
		}
	}
	return true
}

// QuorumMet reports whether enough approvals have been granted.
func (t *ComplianceTask) QuorumMet() bool {
	return len(t.ApprovalsGranted) >= t.RequiredApprovals
}

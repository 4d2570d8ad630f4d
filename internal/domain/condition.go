package domain

import "time"

// ConditionKind is the closed set of built-in condition evaluators (§4.4.3).
// Custom evaluators may be registered elsewhere but must be pure functions
// of (context, config).
type ConditionKind string

const (
	ConditionAlways              ConditionKind = "always"
	ConditionNever               ConditionKind = "never"
	ConditionVariableEquals      ConditionKind = "variable_equals"
	ConditionVariableGreaterThan ConditionKind = "variable_greater_than"
	ConditionTaskCompleted       ConditionKind = "task_completed"
	ConditionApprovalReceived    ConditionKind = "approval_received"
	ConditionDeadlineApproaching ConditionKind = "deadline_approaching"
	ConditionCustom              ConditionKind = "custom"
)

// ConditionSpec configures one condition evaluator instance attached to a
// TaskDefinition's gating condition, or to a Trigger's firing condition.
type ConditionSpec struct {
	Kind ConditionKind

	// variable_equals / variable_greater_than
	VariableKey   string
	VariableValue any
	Threshold     float64

	// task_completed
	TaskID string

	// approval_received
	ApprovalKey string

	// deadline_approaching
	Deadline  time.Time
	WarningHours int

	// custom
	CustomName string

	// task_completion trigger scope (Open Question #2): empty means
	// registration must be rejected rather than implicitly "any task".
	TaskTypes []string
}

package domain

import "time"

// TriggerKind is the closed set of event kinds the Orchestrator routes (§4.5).
type TriggerKind string

const (
	TriggerRegulatoryChange    TriggerKind = "regulatory_change"
	TriggerScheduled           TriggerKind = "scheduled"
	TriggerManual              TriggerKind = "manual"
	TriggerThresholdBreach     TriggerKind = "threshold_breach"
	TriggerDeadlineApproaching TriggerKind = "deadline_approaching"
	TriggerTaskCompletion      TriggerKind = "task_completion"
	TriggerApprovalRequired    TriggerKind = "approval_required"
	TriggerComplianceViolation TriggerKind = "compliance_violation"
	TriggerSystemEvent         TriggerKind = "system_event"
)

// Trigger is a stateful predicate that converts an event into a workflow
// start (§3, §4.5). Invariant: within Cooldown after LastFired, a Trigger
// cannot fire again (P8).
type Trigger struct {
	ID                   string
	Kind                 TriggerKind
	TargetDefinitionID   string
	Condition            ConditionSpec
	Enabled              bool
	Priority             Priority
	Cooldown             time.Duration
	LastFired            *time.Time
}

// CooldownActive reports whether firing at `now` would violate the cooldown.
func (t *Trigger) CooldownActive(now time.Time) bool {
	if t.LastFired == nil {
		return false
	}
	return now.Sub(*t.LastFired) < t.Cooldown
}

package workflow

import (
	"fmt"
	"time"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/errs"
)

// Evaluator is a pure function of (context, config) over one condition
// instance (§4.4.2, §9). completed is the execution's current Completed set,
// passed explicitly so evaluators never reach into engine state directly.
type Evaluator func(ctx domain.ExecutionContext, spec domain.ConditionSpec, completed map[string]bool) (bool, error)

// approvalVarKey is the reserved ExecutionContext.Variables key an approval
// grant is recorded under (§4.4.2 approval_received).
func approvalVarKey(key string) string { return "approval:" + key }

// builtinEvaluators returns the closed set of condition evaluators (§4.4.3).
func builtinEvaluators() map[domain.ConditionKind]Evaluator {
	return map[domain.ConditionKind]Evaluator{
		domain.ConditionAlways: func(domain.ExecutionContext, domain.ConditionSpec, map[string]bool) (bool, error) {
			return true, nil
		},
		domain.ConditionNever: func(domain.ExecutionContext, domain.ConditionSpec, map[string]bool) (bool, error) {
			return false, nil
		},
		domain.ConditionVariableEquals: func(ctx domain.ExecutionContext, spec domain.ConditionSpec, _ map[string]bool) (bool, error) {
			got, ok := ctx.Variables[spec.VariableKey]
			if !ok {
				return false, nil
			}
			return fmt.Sprint(got) == fmt.Sprint(spec.VariableValue), nil
		},
		domain.ConditionVariableGreaterThan: func(ctx domain.ExecutionContext, spec domain.ConditionSpec, _ map[string]bool) (bool, error) {
			got, ok := ctx.Variables[spec.VariableKey]
			if !ok {
				return false, nil
			}
			num, ok := toFloat(got)
			if !ok {
				return false, errs.Validation("variable", "value is not numeric")
			}
			return num > spec.Threshold, nil
		},
		domain.ConditionTaskCompleted: func(_ domain.ExecutionContext, spec domain.ConditionSpec, completed map[string]bool) (bool, error) {
			return completed[spec.TaskID], nil
		},
		domain.ConditionApprovalReceived: func(ctx domain.ExecutionContext, spec domain.ConditionSpec, _ map[string]bool) (bool, error) {
			granted, _ := ctx.Variables[approvalVarKey(spec.ApprovalKey)].(bool)
			return granted, nil
		},
		domain.ConditionDeadlineApproaching: func(_ domain.ExecutionContext, spec domain.ConditionSpec, _ map[string]bool) (bool, error) {
			if spec.Deadline.IsZero() {
				return false, nil
			}
			warning := time.Duration(spec.WarningHours) * time.Hour
			return time.Until(spec.Deadline) <= warning, nil
		},
	}
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

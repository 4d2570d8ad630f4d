package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/eventsink"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/store"
	"github.com/regulens/compliance-core/internal/store/memstore"
)

func testLogger() *logging.Logger { return logging.New("test", "error", "text") }

func waitForExecution(t *testing.T, st store.Store, execID string, pred func(domain.WorkflowExecution) bool) domain.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var exec domain.WorkflowExecution
		require.NoError(t, st.GetByID(context.Background(), store.TableWorkflowExecutions, execID, &exec))
		if pred(exec) {
			return exec
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for execution predicate, last status=%s current=%v completed=%v failed=%v",
				exec.Status, exec.Current, exec.Completed, exec.Failed)
		}
		time.Sleep(time.Millisecond)
	}
}

// fanInDefinition builds the A,B -> C DAG used by S3: two independent
// automated tasks feed a third that requires both.
func fanInDefinition() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID: "def-fanin", Name: "fan-in", Version: 1, Active: true,
		Tasks: []domain.TaskDefinition{
			{ID: "A", Kind: domain.TaskKindAutomated, AutomationRef: "noop"},
			{ID: "B", Kind: domain.TaskKindAutomated, AutomationRef: "noop"},
			{ID: "C", Kind: domain.TaskKindAutomated, AutomationRef: "noop", Prerequisites: []string{"A", "B"}},
		},
		Settings: domain.WorkflowSettings{FailureBehavior: domain.FailureBehaviorStop},
	}
}

// TestEngine_FanIn exercises S3: C only becomes current once both A and B
// have completed, never before.
func TestEngine_FanIn(t *testing.T) {
	st := memstore.New()
	e := New(st, eventsink.NewRecordingSink(), testLogger(), nil, nil)
	e.RegisterDomainHandler("noop", func(ctx context.Context, exec domain.WorkflowExecution, def domain.TaskDefinition) (map[string]any, error) {
		return map[string]any{def.ID + "_ran": true}, nil
	})

	ctx := context.Background()
	def := fanInDefinition()
	_, err := e.RegisterDefinition(ctx, def)
	require.NoError(t, err)

	exec, err := e.Start(ctx, def.ID, "test", nil, nil)
	require.NoError(t, err)

	final := waitForExecution(t, st, exec.ID, func(e domain.WorkflowExecution) bool {
		return e.Status.IsTerminal()
	})

	require.Equal(t, domain.ExecutionCompleted, final.Status)
	require.True(t, final.Completed["A"])
	require.True(t, final.Completed["B"])
	require.True(t, final.Completed["C"])
	require.Equal(t, float64(100), final.Progress)
}

// TestEngine_ReadySetInvariant exercises P2/P3: a task id is never in more
// than one of Current/Completed/Failed, and a task never starts before all
// of its prerequisites are in Completed.
func TestEngine_ReadySetInvariant(t *testing.T) {
	st := memstore.New()
	e := New(st, eventsink.NewRecordingSink(), testLogger(), nil, nil)

	var sawCBeforeABDone bool
	e.RegisterDomainHandler("noop", func(ctx context.Context, exec domain.WorkflowExecution, def domain.TaskDefinition) (map[string]any, error) {
		if def.ID == "C" {
			if !exec.Completed["A"] || !exec.Completed["B"] {
				sawCBeforeABDone = true
			}
		}
		return nil, nil
	})

	ctx := context.Background()
	def := fanInDefinition()
	_, err := e.RegisterDefinition(ctx, def)
	require.NoError(t, err)
	exec, err := e.Start(ctx, def.ID, "test", nil, nil)
	require.NoError(t, err)

	final := waitForExecution(t, st, exec.ID, func(e domain.WorkflowExecution) bool { return e.Status.IsTerminal() })
	require.False(t, sawCBeforeABDone)

	for id := range final.Current {
		require.False(t, final.Completed[id])
		require.False(t, final.Failed[id])
	}
	for id := range final.Completed {
		require.False(t, final.Failed[id])
	}
}

// TestEngine_ManualTaskGating exercises the gating-condition rule of
// §4.4.2: a task whose condition evaluates false is skipped (folded into
// Completed) rather than armed, and its dependents can still proceed.
func TestEngine_ManualTaskGating(t *testing.T) {
	st := memstore.New()
	e := New(st, eventsink.NewRecordingSink(), testLogger(), nil, nil)

	def := domain.WorkflowDefinition{
		ID: "def-gate", Active: true,
		Tasks: []domain.TaskDefinition{
			{ID: "maybe", Kind: domain.TaskKindManual, Condition: &domain.ConditionSpec{Kind: domain.ConditionNever}},
			{ID: "after", Kind: domain.TaskKindAutomated, AutomationRef: "noop", Prerequisites: []string{"maybe"}},
		},
	}
	e.RegisterDomainHandler("noop", func(ctx context.Context, exec domain.WorkflowExecution, td domain.TaskDefinition) (map[string]any, error) {
		return nil, nil
	})

	ctx := context.Background()
	_, err := e.RegisterDefinition(ctx, def)
	require.NoError(t, err)
	exec, err := e.Start(ctx, def.ID, "test", nil, nil)
	require.NoError(t, err)

	final := waitForExecution(t, st, exec.ID, func(e domain.WorkflowExecution) bool { return e.Status.IsTerminal() })
	require.Equal(t, domain.ExecutionCompleted, final.Status)
	require.True(t, final.Completed["maybe"])
	require.True(t, final.Completed["after"])
}

// TestEngine_ManualTaskCompletion exercises the CompleteTask entrypoint for
// manual tasks, which otherwise never self-resolve.
func TestEngine_ManualTaskCompletion(t *testing.T) {
	st := memstore.New()
	e := New(st, eventsink.NewRecordingSink(), testLogger(), nil, nil)

	def := domain.WorkflowDefinition{
		ID: "def-manual", Active: true,
		Tasks: []domain.TaskDefinition{{ID: "review", Kind: domain.TaskKindManual}},
	}
	ctx := context.Background()
	_, err := e.RegisterDefinition(ctx, def)
	require.NoError(t, err)
	exec, err := e.Start(ctx, def.ID, "test", nil, nil)
	require.NoError(t, err)

	waitForExecution(t, st, exec.ID, func(e domain.WorkflowExecution) bool { return e.Current["review"] })
	require.NoError(t, e.CompleteTask(ctx, exec.ID, "review", map[string]any{"decision": "approved"}))

	final := waitForExecution(t, st, exec.ID, func(e domain.WorkflowExecution) bool { return e.Status.IsTerminal() })
	require.Equal(t, domain.ExecutionCompleted, final.Status)
	require.Equal(t, "approved", final.Context.Variables["decision"])
}

// TestEngine_FailureStopsExecution exercises §4.4.1's stop failure_behavior:
// one task failing under FailureBehaviorStop terminates the execution as
// failed, leaving unrelated branches un-started.
func TestEngine_FailureStopsExecution(t *testing.T) {
	st := memstore.New()
	e := New(st, eventsink.NewRecordingSink(), testLogger(), nil, nil)
	e.RegisterDomainHandler("boom", func(ctx context.Context, exec domain.WorkflowExecution, td domain.TaskDefinition) (map[string]any, error) {
		return nil, require.AnError
	})

	def := domain.WorkflowDefinition{
		ID: "def-fail", Active: true,
		Settings: domain.WorkflowSettings{FailureBehavior: domain.FailureBehaviorStop},
		Tasks: []domain.TaskDefinition{
			{ID: "A", Kind: domain.TaskKindAutomated, AutomationRef: "boom"},
		},
	}
	ctx := context.Background()
	_, err := e.RegisterDefinition(ctx, def)
	require.NoError(t, err)
	exec, err := e.Start(ctx, def.ID, "test", nil, nil)
	require.NoError(t, err)

	final := waitForExecution(t, st, exec.ID, func(e domain.WorkflowExecution) bool { return e.Status.IsTerminal() })
	require.Equal(t, domain.ExecutionFailed, final.Status)
	require.True(t, final.Failed["A"])
}

// TestEngine_ApprovalQuorum exercises the approval task kind: the task
// stays current until enough distinct approvers grant it.
func TestEngine_ApprovalQuorum(t *testing.T) {
	st := memstore.New()
	e := New(st, eventsink.NewRecordingSink(), testLogger(), nil, nil)

	def := domain.WorkflowDefinition{
		ID: "def-approval", Active: true,
		Tasks: []domain.TaskDefinition{
			{ID: "sign-off", Kind: domain.TaskKindApproval, Approval: &domain.ApprovalConfig{Approvers: []string{"alice", "bob"}, Quorum: 2}},
		},
	}
	ctx := context.Background()
	_, err := e.RegisterDefinition(ctx, def)
	require.NoError(t, err)
	exec, err := e.Start(ctx, def.ID, "test", nil, nil)
	require.NoError(t, err)

	waitForExecution(t, st, exec.ID, func(e domain.WorkflowExecution) bool { return e.Current["sign-off"] })
	require.NoError(t, e.GrantApproval(ctx, exec.ID, "sign-off", "alice"))

	var mid domain.WorkflowExecution
	require.NoError(t, st.GetByID(ctx, store.TableWorkflowExecutions, exec.ID, &mid))
	require.True(t, mid.Current["sign-off"])

	require.NoError(t, e.GrantApproval(ctx, exec.ID, "sign-off", "bob"))
	final := waitForExecution(t, st, exec.ID, func(e domain.WorkflowExecution) bool { return e.Status.IsTerminal() })
	require.Equal(t, domain.ExecutionCompleted, final.Status)
}

// TestEngine_CancelWorkflow exercises cancel_workflow, including the
// decision that granted approvals remain in variables but do not resurrect
// a cancelled execution.
func TestEngine_CancelWorkflow(t *testing.T) {
	st := memstore.New()
	e := New(st, eventsink.NewRecordingSink(), testLogger(), nil, nil)

	def := domain.WorkflowDefinition{
		ID: "def-cancel", Active: true,
		Tasks: []domain.TaskDefinition{{ID: "review", Kind: domain.TaskKindManual}},
	}
	ctx := context.Background()
	_, err := e.RegisterDefinition(ctx, def)
	require.NoError(t, err)
	exec, err := e.Start(ctx, def.ID, "test", nil, nil)
	require.NoError(t, err)

	waitForExecution(t, st, exec.ID, func(e domain.WorkflowExecution) bool { return e.Current["review"] })
	require.NoError(t, e.CancelWorkflow(ctx, exec.ID, "no longer needed"))

	var final domain.WorkflowExecution
	require.NoError(t, st.GetByID(ctx, store.TableWorkflowExecutions, exec.ID, &final))
	require.Equal(t, domain.ExecutionCancelled, final.Status)
	require.Empty(t, final.Current)

	err = e.CompleteTask(ctx, exec.ID, "review", nil)
	require.Error(t, err)
}

func TestValidateDAG_RejectsCycle(t *testing.T) {
	def := domain.WorkflowDefinition{
		Tasks: []domain.TaskDefinition{
			{ID: "A", Prerequisites: []string{"B"}},
			{ID: "B", Prerequisites: []string{"A"}},
		},
	}
	require.Error(t, validateDAG(def))
}

package supervisor

import (
	"context"

	"github.com/regulens/compliance-core/internal/apm"
	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/dr"
	"github.com/regulens/compliance-core/internal/orchestrator"
	"github.com/regulens/compliance-core/internal/workflow"
)

// AdminSurface is the Go-native admin API (§6): thin CLIs or HTTP layers
// are expected to sit in front of this, translating their own wire format
// to these calls. No router is implemented here per §1's non-goal on
// outer transport surfaces.
type AdminSurface struct {
	engine       *workflow.Engine
	orchestrator *orchestrator.Orchestrator
	dr           *dr.Supervisor
	apm          *apm.Monitor
}

// NewAdminSurface constructs an AdminSurface over the running components.
func NewAdminSurface(engine *workflow.Engine, orch *orchestrator.Orchestrator, drSup *dr.Supervisor, mon *apm.Monitor) *AdminSurface {
	return &AdminSurface{engine: engine, orchestrator: orch, dr: drSup, apm: mon}
}

// StartWorkflow implements the start_workflow admin operation.
func (a *AdminSurface) StartWorkflow(ctx context.Context, definitionID, triggeredBy string, payload, vars map[string]any) (*domain.WorkflowExecution, error) {
	return a.engine.Start(ctx, definitionID, triggeredBy, payload, vars)
}

// CompleteTask implements the complete_task admin operation.
func (a *AdminSurface) CompleteTask(ctx context.Context, executionID, taskID string, result map[string]any) error {
	return a.engine.CompleteTask(ctx, executionID, taskID, result)
}

// FailTask implements the fail_task admin operation.
func (a *AdminSurface) FailTask(ctx context.Context, executionID, taskID string, cause error) error {
	return a.engine.FailTask(ctx, executionID, taskID, cause)
}

// CancelWorkflow implements the cancel_workflow admin operation.
func (a *AdminSurface) CancelWorkflow(ctx context.Context, executionID, reason string) error {
	return a.engine.CancelWorkflow(ctx, executionID, reason)
}

// PauseWorkflow implements the pause_workflow admin operation.
func (a *AdminSurface) PauseWorkflow(ctx context.Context, executionID string) error {
	return a.engine.PauseWorkflow(ctx, executionID)
}

// ResumeWorkflow implements the resume_workflow admin operation.
func (a *AdminSurface) ResumeWorkflow(ctx context.Context, executionID string) error {
	return a.engine.ResumeWorkflow(ctx, executionID)
}

// EmitEvent implements the emit_event admin operation.
func (a *AdminSurface) EmitEvent(ctx context.Context, kind domain.TriggerKind, payload map[string]any, actor string) ([]string, error) {
	return a.orchestrator.EmitEvent(ctx, kind, payload, actor)
}

// RegisterWorkflowDefinition implements the register_workflow_definition
// admin operation.
func (a *AdminSurface) RegisterWorkflowDefinition(ctx context.Context, def domain.WorkflowDefinition) (string, error) {
	return a.engine.RegisterDefinition(ctx, def)
}

// RegisterTrigger implements the register_trigger admin operation.
func (a *AdminSurface) RegisterTrigger(ctx context.Context, t domain.Trigger) (string, error) {
	return a.orchestrator.RegisterTrigger(ctx, t)
}

// RunDRTest implements the run_dr_test admin operation.
func (a *AdminSurface) RunDRTest(ctx context.Context, component string, kind domain.DRProbeKind, dryRun bool) (domain.DRTestResult, error) {
	return a.dr.RunTest(ctx, component, kind, dryRun)
}

// DRStatus implements the dr_status admin operation.
func (a *AdminSurface) DRStatus() dr.Status {
	return a.dr.SnapshotStatus()
}

// APMSummary implements the apm_summary admin operation.
func (a *AdminSurface) APMSummary() apm.Summary {
	return a.apm.Summary()
}

// HandleRegulatoryChange exposes the C5 fast path (§4.5) through the same
// admin surface, since it is the one multi-step operation spec §4.5
// describes as callable directly (e.g. by C1's ingestion callback) rather
// than only reachable via emit_event.
func (a *AdminSurface) HandleRegulatoryChange(ctx context.Context, doc domain.RegulatoryDocument) *orchestrator.Receipt {
	return a.orchestrator.HandleRegulatoryChange(ctx, doc)
}

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/embeddings"
	"github.com/regulens/compliance-core/internal/eventsink"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/similarity"
	"github.com/regulens/compliance-core/internal/store"
	"github.com/regulens/compliance-core/internal/store/memstore"
)

func testLogger() *logging.Logger { return logging.New("test", "error", "text") }

type fakeStarter struct {
	started []string
	err     error
}

func (f *fakeStarter) Start(ctx context.Context, definitionID, triggeredBy string, payload, vars map[string]any) (*domain.WorkflowExecution, error) {
	if f.err != nil {
		return nil, f.err
	}
	id := "exec-" + definitionID
	f.started = append(f.started, id)
	return &domain.WorkflowExecution{ID: id, DefinitionID: definitionID, Status: domain.ExecutionActive}, nil
}

func TestImpactAssessor_CriticalUrgentDocument(t *testing.T) {
	st := memstore.New()
	a := NewImpactAssessor(st, embeddings.NewHashProvider(16), similarity.NewMemIndex(), nil)

	doc := domain.RegulatoryDocument{
		ID: "doc-1", Title: "Emergency Rule",
		FullText: "This rule is effective immediately and applies to all banks and all institutions. " +
			"Financial institutions must comply with new capital requirements, implementation procedures, " +
			"training, and reporting requirements. Enforcement action and penalty apply for violation. " +
			"Significant investment in staffing and technology upgrades is required.",
	}
	assessment, err := a.Assess(context.Background(), doc, false)
	require.NoError(t, err)
	require.Equal(t, domain.ImpactCritical, assessment.Level)
	require.Contains(t, assessment.AffectedBusinessUnits, "compliance")
	require.NotEmpty(t, assessment.RequiredActions)
	require.NotEmpty(t, assessment.RiskFactors)
	require.True(t, assessment.Current)
}

func TestImpactAssessor_IdempotentWithoutForce(t *testing.T) {
	st := memstore.New()
	a := NewImpactAssessor(st, embeddings.NewHashProvider(16), similarity.NewMemIndex(), nil)
	doc := domain.RegulatoryDocument{ID: "doc-2", Title: "Minor Guidance", FullText: "This is a minor clarification."}

	first, err := a.Assess(context.Background(), doc, false)
	require.NoError(t, err)
	second, err := a.Assess(context.Background(), doc, false)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	third, err := a.Assess(context.Background(), doc, true)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)

	var history domain.ImpactAssessment
	require.NoError(t, st.GetByID(context.Background(), store.TableImpactAssessments, first.ID, &history))
	require.False(t, history.Current)
}

func TestOrchestrator_EmitEvent_RespectsCooldownAndPriority(t *testing.T) {
	st := memstore.New()
	starter := &fakeStarter{}
	o := New(st, starter, nil, eventsink.NewRecordingSink(), testLogger(), nil)

	ctx := context.Background()
	now := time.Now()
	low := domain.Trigger{ID: "t-low", Kind: domain.TriggerManual, Enabled: true, Priority: domain.PriorityLow, TargetDefinitionID: "def-low"}
	high := domain.Trigger{ID: "t-high", Kind: domain.TriggerManual, Enabled: true, Priority: domain.PriorityHigh, TargetDefinitionID: "def-high"}
	onCooldown := domain.Trigger{
		ID: "t-cooldown", Kind: domain.TriggerManual, Enabled: true, Priority: domain.PriorityCritical,
		TargetDefinitionID: "def-cooldown", Cooldown: time.Hour, LastFired: &now,
	}
	for _, tr := range []domain.Trigger{low, high, onCooldown} {
		require.NoError(t, st.Upsert(ctx, store.TableTriggers, tr.ID, &tr))
	}

	started, err := o.EmitEvent(ctx, domain.TriggerManual, map[string]any{"k": "v"}, "tester")
	require.NoError(t, err)
	require.Equal(t, []string{"exec-def-high", "exec-def-low"}, started)
}

func TestOrchestrator_RegisterTrigger_RejectsUnscopedTaskCompletion(t *testing.T) {
	st := memstore.New()
	o := New(st, &fakeStarter{}, nil, eventsink.NewRecordingSink(), testLogger(), nil)
	_, err := o.RegisterTrigger(context.Background(), domain.Trigger{Kind: domain.TriggerTaskCompletion, Enabled: true})
	require.Error(t, err)
}

func TestOrchestrator_HandleRegulatoryChange_HighImpactCreatesTasks(t *testing.T) {
	st := memstore.New()
	starter := &fakeStarter{}
	assessor := NewImpactAssessor(st, embeddings.NewHashProvider(16), similarity.NewMemIndex(), nil)
	sink := eventsink.NewRecordingSink()
	o := New(st, starter, assessor, sink, testLogger(), nil)

	doc := domain.RegulatoryDocument{
		ID: "doc-high", Title: "New Capital Rule",
		FullText: "Effective immediately, all banks and financial institutions must comply with new capital " +
			"requirements. This requires significant implementation, training, system changes, and reporting " +
			"requirements, with enforcement action and penalty for violation.",
	}

	receipt := o.HandleRegulatoryChange(context.Background(), doc)
	require.True(t, receipt.Success)
	require.Contains(t, []domain.ImpactLevel{domain.ImpactHigh, domain.ImpactCritical}, receipt.ImpactLevel)
	require.Len(t, receipt.CreatedTaskIDs, 2)
	require.True(t, receipt.NotificationSent)
	require.Equal(t, 1, sink.Len())
	require.Equal(t, "doc-high", sink.Events[0].DedupKey)
}

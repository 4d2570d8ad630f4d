package dr

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

func objectives() []domain.DRObjective {
	return []domain.DRObjective{
		{Component: "database", RTO: time.Hour, RPO: 5 * time.Minute, Priority: 1, Automated: true},
		{Component: "api", RTO: 30 * time.Minute, RPO: 15 * time.Minute, Priority: 3, Automated: false},
	}
}

func TestSupervisor_BackupValidation_AgedPastRPO_RaisesCriticalEvent(t *testing.T) {
	st := memstore.New()
	sink := eventsink.NewRecordingSink()
	lookup := func(component string) BackupInfo {
		return BackupInfo{Exists: true, Age: 10 * time.Minute, IntegrityOK: true, CompleteOK: true}
	}
	prober := NewSimulatedProber(lookup)
	sup := New(st, prober, sink, testLogger(), nil, objectives(), 30*time.Minute)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	result, err := sup.RunTest(context.Background(), "database", domain.ProbeBackupValidation, true)
	require.NoError(t, err)
	require.False(t, result.Pass)
	require.False(t, result.Validations["backup_age"])

	var events []domain.DREvent
	require.NoError(t, st.QueryByIndex(context.Background(), store.TableDREvents, "Severity", domain.DRSeverityCritical, &events))
	require.Len(t, events, 1)

	var obj domain.DRObjective
	require.NoError(t, st.GetByID(context.Background(), store.TableDRObjectives, "database", &obj))
	require.Equal(t, domain.DRWarning, obj.Status)
	require.Equal(t, 1, sink.Len())
}

func TestSupervisor_HealthScore_AllHealthyFreshlyTested(t *testing.T) {
	st := memstore.New()
	sup := New(st, NewSimulatedProber(nil), eventsink.NewRecordingSink(), testLogger(), nil, objectives(), 30*time.Minute)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	for _, obj := range objectives() {
		_, err := sup.RunTest(context.Background(), obj.Component, domain.ProbeBackupValidation, true)
		require.NoError(t, err)
	}
	require.InDelta(t, 100, sup.HealthScore(), 0.001)
}

func TestSupervisor_HealthScore_NeverTestedPenalty(t *testing.T) {
	st := memstore.New()
	objs := objectives()
	for i := range objs {
		objs[i].Status = domain.DRHealthy
	}
	sup := New(st, NewSimulatedProber(nil), eventsink.NewRecordingSink(), testLogger(), nil, objs, 30*time.Minute)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	// Healthy (100) but never tested: every component scores 100 * 0.3.
	require.InDelta(t, 30, sup.HealthScore(), 0.001)
}

func TestSupervisor_AutoResolve_ClosesStaleCriticalEventOnceHealthy(t *testing.T) {
	st := memstore.New()
	sup := New(st, NewSimulatedProber(nil), eventsink.NewRecordingSink(), testLogger(), nil, objectives(), 30*time.Minute)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	old := time.Now().Add(-48 * time.Hour)
	event := domain.DREvent{ID: "ev-1", Component: "database", Severity: domain.DRSeverityCritical, CreatedAt: old}
	require.NoError(t, st.Upsert(context.Background(), store.TableDREvents, event.ID, &event))

	_, err := sup.RunTest(context.Background(), "database", domain.ProbeBackupValidation, true)
	require.NoError(t, err)

	require.NoError(t, sup.autoResolveStaleCriticalEvents(context.Background()))

	var resolved domain.DREvent
	require.NoError(t, st.GetByID(context.Background(), store.TableDREvents, "ev-1", &resolved))
	require.NotNil(t, resolved.ResolvedAt)
	require.Equal(t, "returned to healthy", resolved.ResolutionNote)
}

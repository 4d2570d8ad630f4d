// Package dr implements the disaster-recovery supervisor half of C6: a
// probe scheduler that runs backup_validation/failover_test/recovery_test
// against configured objectives, tracks component health, and computes the
// system-wide health score (§4.6.2).
package dr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/errs"
	"github.com/regulens/compliance-core/internal/eventsink"
	"github.com/regulens/compliance-core/internal/lifecycle"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/obs/metrics"
	"github.com/regulens/compliance-core/internal/store"
)

// Prober executes one DR probe kind against a component. Implementations are
// typically backed by real backup/failover infrastructure; dryRun simulates
// the probe without touching it (§4.6.2 "dry-run default").
type Prober interface {
	Probe(ctx context.Context, objective domain.DRObjective, kind domain.DRProbeKind, dryRun bool) domain.DRTestResult
}

// Supervisor runs scheduled DR probes and maintains component health state.
type Supervisor struct {
	st      store.Store
	prober  Prober
	sink    eventsink.Sink
	log     *logging.Logger
	metrics *metrics.Metrics

	objectives []domain.DRObjective
	group      *lifecycle.WorkerGroup

	backupInterval time.Duration
}

// New constructs a Supervisor seeded with the configured DR objectives.
func New(st store.Store, prober Prober, sink eventsink.Sink, log *logging.Logger, m *metrics.Metrics, objectives []domain.DRObjective, backupInterval time.Duration) *Supervisor {
	if backupInterval <= 0 {
		backupInterval = 30 * time.Minute
	}
	return &Supervisor{
		st: st, prober: prober, sink: sink, log: log, metrics: m,
		objectives: objectives, group: lifecycle.NewWorkerGroup(), backupInterval: backupInterval,
	}
}

// Start loads persisted objective status (if any) and begins the
// backup-validation and auto-resolution dispatcher loops (§4.6.2, §5).
func (s *Supervisor) Start(ctx context.Context) error {
	for i := range s.objectives {
		var persisted domain.DRObjective
		if err := s.st.GetByID(ctx, store.TableDRObjectives, s.objectives[i].Component, &persisted); err == nil {
			s.objectives[i].Status = persisted.Status
			s.objectives[i].LastTestedAt = persisted.LastTestedAt
		}
		if err := s.st.Upsert(ctx, store.TableDRObjectives, s.objectives[i].Component, &s.objectives[i]); err != nil {
			return errs.Transient("persist dr objective", err)
		}
	}

	backupWorker := lifecycle.NewWorker(lifecycle.WorkerConfig{
		Name:     "dr-backup-validation",
		Interval: s.backupInterval,
		Fn:       s.runScheduledBackupValidations,
		OnError:  s.logWorkerError,
	})
	resolveWorker := lifecycle.NewWorker(lifecycle.WorkerConfig{
		Name:     "dr-auto-resolve",
		Interval: 15 * time.Minute,
		Fn:       s.autoResolveStaleCriticalEvents,
		OnError:  s.logWorkerError,
	})
	s.group.Add(backupWorker)
	s.group.Add(resolveWorker)
	return s.group.Start(ctx)
}

// Stop halts every dispatcher loop.
func (s *Supervisor) Stop() error {
	s.group.Stop()
	return nil
}

func (s *Supervisor) logWorkerError(name string, err error) {
	s.log.WithComponent("dr").WithFields(map[string]interface{}{"worker": name}).WithError(err).Warn("dr worker tick failed")
}

// runScheduledBackupValidations runs backup_validation against every
// critical (priority 1) component, per §4.6.2 ("every 30 minutes for
// critical components").
func (s *Supervisor) runScheduledBackupValidations(ctx context.Context) error {
	for _, obj := range s.objectives {
		if obj.Priority != 1 {
			continue
		}
		if _, err := s.RunTest(ctx, obj.Component, domain.ProbeBackupValidation, true); err != nil {
			s.log.WithComponent("dr").WithError(err).Warn("scheduled backup validation failed")
		}
	}
	return nil
}

// RunTest implements the run_dr_test admin operation (§6): runs one probe
// kind against a component, persists the result, updates component status,
// and raises a critical event for critical-component backup failures
// (§4.6.2).
func (s *Supervisor) RunTest(ctx context.Context, component string, kind domain.DRProbeKind, dryRun bool) (domain.DRTestResult, error) {
	obj, ok := s.objectiveFor(component)
	if !ok {
		return domain.DRTestResult{}, errs.NotFound("dr_objective", component)
	}

	result := s.prober.Probe(ctx, obj, kind, dryRun)
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.Component == "" {
		result.Component = component
	}
	result.Kind = kind

	if err := s.st.Upsert(ctx, store.TableDRTestResults, result.ID, &result); err != nil {
		return result, errs.Transient("persist dr test result", err)
	}
	if s.metrics != nil {
		status := "pass"
		if !result.Pass {
			status = "fail"
		}
		s.metrics.RecordDRTest("compliance-core", component, string(kind), status)
	}

	now := time.Now()
	s.setObjectiveStatus(ctx, component, statusFor(result), &now)

	if !result.Pass && kind == domain.ProbeBackupValidation && obj.Priority == 1 {
		if err := s.raiseCriticalEvent(ctx, component, fmt.Sprintf("backup_validation failed: %v", result.Errors)); err != nil {
			return result, err
		}
	}
	return result, nil
}

func statusFor(result domain.DRTestResult) domain.DRComponentStatus {
	if result.Pass {
		return domain.DRHealthy
	}
	return domain.DRWarning
}

func (s *Supervisor) objectiveFor(component string) (domain.DRObjective, bool) {
	for _, o := range s.objectives {
		if o.Component == component {
			return o, true
		}
	}
	return domain.DRObjective{}, false
}

func (s *Supervisor) setObjectiveStatus(ctx context.Context, component string, status domain.DRComponentStatus, testedAt *time.Time) {
	for i := range s.objectives {
		if s.objectives[i].Component != component {
			continue
		}
		s.objectives[i].Status = status
		s.objectives[i].LastTestedAt = testedAt
		if err := s.st.Upsert(ctx, store.TableDRObjectives, component, &s.objectives[i]); err != nil {
			s.log.WithComponent("dr").WithError(err).Warn("failed to persist dr objective status")
		}
		if s.metrics != nil {
			s.metrics.SetDRHealthScore("compliance-core", component, componentScore(s.objectives[i], time.Now()))
		}
		return
	}
}

func (s *Supervisor) raiseCriticalEvent(ctx context.Context, component, message string) error {
	event := domain.DREvent{
		ID: uuid.New().String(), Component: component, Severity: domain.DRSeverityCritical,
		Message: message, CreatedAt: time.Now(),
	}
	if err := s.st.Upsert(ctx, store.TableDREvents, event.ID, &event); err != nil {
		return errs.Transient("persist dr event", err)
	}
	s.setObjectiveStatus(ctx, component, domain.DRWarning, s.testedAtFor(component))

	if s.sink != nil {
		_ = s.sink.Emit(ctx, eventsink.Event{
			Kind: "dr_event", Severity: eventsink.SeverityCritical, Subject: "DR critical event: " + component,
			Body: message, Tags: map[string]string{"component": component}, DedupKey: event.ID,
		})
	}
	return nil
}

func (s *Supervisor) testedAtFor(component string) *time.Time {
	obj, ok := s.objectiveFor(component)
	if !ok {
		return nil
	}
	return obj.LastTestedAt
}

// autoResolveStaleCriticalEvents closes critical events older than 24h whose
// component is currently healthy (§4.6.2).
func (s *Supervisor) autoResolveStaleCriticalEvents(ctx context.Context) error {
	var events []domain.DREvent
	if err := s.st.QueryByIndex(ctx, store.TableDREvents, "Severity", domain.DRSeverityCritical, &events); err != nil {
		return errs.Transient("query dr events", err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	for _, e := range events {
		if e.ResolvedAt != nil || e.CreatedAt.After(cutoff) {
			continue
		}
		obj, ok := s.objectiveFor(e.Component)
		if !ok || obj.Status != domain.DRHealthy {
			continue
		}
		now := time.Now()
		e.ResolvedAt = &now
		e.ResolutionNote = "returned to healthy"
		if err := s.st.Upsert(ctx, store.TableDREvents, e.ID, &e); err != nil {
			s.log.WithComponent("dr").WithError(err).Warn("failed to auto-resolve dr event")
		}
	}
	return nil
}

// HealthScore implements §4.6.2's weighted average health score.
func (s *Supervisor) HealthScore() float64 {
	if len(s.objectives) == 0 {
		return 100
	}
	now := time.Now()
	var weightedSum, totalWeight float64
	for _, obj := range s.objectives {
		w := obj.Weight()
		totalWeight += w
		weightedSum += componentScore(obj, now) * w
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

func componentScore(obj domain.DRObjective, now time.Time) float64 {
	var base float64
	switch obj.Status {
	case domain.DRHealthy:
		base = 100
	case domain.DRTesting:
		base = 85
	case domain.DRWarning:
		base = 70
	default:
		base = 0
	}

	if obj.LastTestedAt == nil {
		return base * 0.3
	}
	age := now.Sub(*obj.LastTestedAt)
	switch {
	case age > 30*24*time.Hour:
		return base * 0.5
	case age > 7*24*time.Hour:
		return base * 0.8
	default:
		return base
	}
}

// Status is the admin dr_status snapshot (§6).
type Status struct {
	HealthScore float64
	Objectives  []domain.DRObjective
}

// SnapshotStatus implements the dr_status admin operation.
func (s *Supervisor) SnapshotStatus() Status {
	return Status{HealthScore: s.HealthScore(), Objectives: append([]domain.DRObjective(nil), s.objectives...)}
}

package dr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/regulens/compliance-core/internal/domain"
)

// BackupInfo is the state a SimulatedProber queries to decide whether a
// backup_validation probe passes (§4.6.2). A real deployment backs this with
// its actual backup/replication infrastructure; BackupLookup below is the
// seam for that.
type BackupInfo struct {
	Exists      bool
	Age         time.Duration
	IntegrityOK bool
	CompleteOK  bool
}

// BackupLookup returns the current backup state for a component.
type BackupLookup func(component string) BackupInfo

// SimulatedProber implements Prober with deterministic simulation: it never
// touches real infrastructure, running each probe's checks against
// configured objectives and a pluggable BackupLookup (§4.6.2, §7 "DR probes:
// errors within a probe become failed DRTestResult entries; they do not
// propagate").
type SimulatedProber struct {
	backups BackupLookup
}

// NewSimulatedProber constructs a SimulatedProber. A nil lookup treats every
// backup as fresh and valid.
func NewSimulatedProber(lookup BackupLookup) *SimulatedProber {
	if lookup == nil {
		lookup = func(string) BackupInfo { return BackupInfo{Exists: true, IntegrityOK: true, CompleteOK: true} }
	}
	return &SimulatedProber{backups: lookup}
}

func (p *SimulatedProber) Probe(ctx context.Context, obj domain.DRObjective, kind domain.DRProbeKind, dryRun bool) domain.DRTestResult {
	start := time.Now()
	result := domain.DRTestResult{
		ID: uuid.New().String(), Component: obj.Component, Kind: kind, StartedAt: start,
		Validations: make(map[string]bool),
	}

	defer func() { result.EndedAt = time.Now() }()

	switch kind {
	case domain.ProbeBackupValidation:
		p.runBackupValidation(obj, &result)
	case domain.ProbeFailoverTest:
		p.runFailoverTest(ctx, obj, dryRun, &result)
	case domain.ProbeRecoveryTest:
		p.runRecoveryTest(obj, &result)
	default:
		result.Pass = false
		result.Errors = append(result.Errors, fmt.Sprintf("unknown probe kind %q", kind))
	}
	return result
}

func (p *SimulatedProber) runBackupValidation(obj domain.DRObjective, result *domain.DRTestResult) {
	info := p.backups(obj.Component)
	rpo := time.Duration(0)
	if obj.RPO > 0 {
		rpo = obj.RPO
	}

	result.Validations["backup_exists"] = info.Exists
	result.Validations["backup_age"] = info.Exists && (rpo == 0 || info.Age <= rpo)
	result.Validations["integrity_check"] = info.IntegrityOK
	result.Validations["completeness_probe"] = info.CompleteOK

	result.RPOAchieved = result.Validations["backup_age"]
	result.Pass = info.Exists && result.Validations["backup_age"] && info.IntegrityOK && info.CompleteOK

	if !result.Pass {
		if !info.Exists {
			result.Errors = append(result.Errors, "backup does not exist")
		}
		if info.Exists && !result.Validations["backup_age"] {
			result.Errors = append(result.Errors, fmt.Sprintf("backup age %s exceeds rpo %s", info.Age, rpo))
			result.Recommendations = append(result.Recommendations, "investigate backup job scheduling delays")
		}
		if !info.IntegrityOK {
			result.Errors = append(result.Errors, "backup integrity check failed")
		}
		if !info.CompleteOK {
			result.Errors = append(result.Errors, "backup completeness probe failed")
		}
	}
}

func (p *SimulatedProber) runFailoverTest(ctx context.Context, obj domain.DRObjective, dryRun bool, result *domain.DRTestResult) {
	result.Validations["pre_checks"] = true
	if !dryRun {
		result.Validations["executed"] = obj.Automated
	} else {
		result.Validations["executed_dry_run"] = true
	}

	elapsed := time.Since(result.StartedAt)
	rtoOK := obj.RTO == 0 || elapsed <= obj.RTO
	result.Validations["duration_within_rto"] = rtoOK
	result.Validations["post_checks"] = true
	result.RTOAchieved = rtoOK
	result.Pass = rtoOK

	if !dryRun && !obj.Automated {
		result.Pass = false
		result.Errors = append(result.Errors, "component is not configured for automated failover; live failover requires an explicit admin override")
	}
}

func (p *SimulatedProber) runRecoveryTest(obj domain.DRObjective, result *domain.DRTestResult) {
	info := p.backups(obj.Component)
	result.Validations["backup_validated"] = info.Exists && info.IntegrityOK
	result.Validations["recovery_executed"] = info.Exists

	rpoAchieved := obj.RPO == 0 || info.Age <= obj.RPO
	result.Validations["data_integrity_probe"] = info.IntegrityOK
	result.RPOAchieved = rpoAchieved
	result.Pass = info.Exists && info.IntegrityOK && rpoAchieved

	if !result.Pass {
		if !info.Exists {
			result.Errors = append(result.Errors, "no backup available to recover from")
		}
		if !rpoAchieved {
			result.Errors = append(result.Errors, fmt.Sprintf("computed rpo %s exceeds objective %s", info.Age, obj.RPO))
		}
	}
}

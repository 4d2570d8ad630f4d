package domain

import "time"

// DRComponentStatus is the closed set of DR component health states (§4.6.2).
type DRComponentStatus string

const (
	DRHealthy DRComponentStatus = "healthy"
	DRTesting DRComponentStatus = "testing"
	DRWarning DRComponentStatus = "warning"
	DRCritical DRComponentStatus = "critical"
)

// DRObjective declares the recovery targets for one component (§3).
type DRObjective struct {
	Component   string
	RTO         time.Duration
	RPO         time.Duration
	Priority    int // 1 heaviest, per §4.6.2 weight = 6 - priority
	Automated   bool
	Checks      []string
	Status      DRComponentStatus
	LastTestedAt *time.Time
}

// Weight returns the health-score weighting for this objective (§4.6.2:
// weight = 6 - priority).
func (o *DRObjective) Weight() float64 {
	w := 6 - o.Priority
	if w < 1 {
		w = 1
	}
	return float64(w)
}

// DRProbeKind is the closed set of DR probe kinds (§4.6.2).
type DRProbeKind string

const (
	ProbeBackupValidation DRProbeKind = "backup_validation"
	ProbeFailoverTest     DRProbeKind = "failover_test"
	ProbeRecoveryTest     DRProbeKind = "recovery_test"
)

// DRTestResult is the outcome of one probe run (§3).
type DRTestResult struct {
	ID             string
	Component      string
	Kind           DRProbeKind
	StartedAt      time.Time
	EndedAt        time.Time
	Pass           bool
	RTOAchieved    bool
	RPOAchieved    bool
	Validations    map[string]bool
	Errors         []string
	Recommendations []string
}

// DRSeverity is the closed set of DR event severities (§4.6.2).
type DRSeverity string

const (
	DRSeverityWarning  DRSeverity = "warning"
	DRSeverityCritical DRSeverity = "critical"
)

// DREvent is a DR-visible incident, e.g. a failed backup validation or an
// auto-disabled scheduled task (§4.3, §4.6.2).
type DREvent struct {
	ID        string
	Component string
	Severity  DRSeverity
	Message   string
	CreatedAt time.Time
	ResolvedAt *time.Time
	ResolutionNote string
}

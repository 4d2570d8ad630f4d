// Package store defines the transactional store interface consumed by every
// subsystem (§6). The core depends only on these typed operations; the
// physical layout behind them is opaque per spec §6's closing note.
package store

import "context"

// Store is the transactional key/row store interface consumed by C1-C6.
// insert_if_absent MUST be race-free across concurrent callers.
type Store interface {
	// InsertIfAbsent inserts value under (table, id) iff no row exists yet.
	// Returns inserted=false, no error, if a row already existed.
	InsertIfAbsent(ctx context.Context, table, id string, value any) (inserted bool, err error)

	// Upsert inserts or replaces the row at (table, id).
	Upsert(ctx context.Context, table, id string, value any) error

	// GetByID decodes the row at (table, id) into dest (a pointer).
	// Returns a NotFound *errs.CoreError if absent.
	GetByID(ctx context.Context, table, id string, dest any) error

	// QueryByIndex decodes every row in table whose field equals value into
	// dest (a pointer to a slice).
	QueryByIndex(ctx context.Context, table, field string, value any, dest any) error

	// Delete removes the row at (table, id). Not an error if absent.
	Delete(ctx context.Context, table, id string) error

	// Transaction runs fn against a Store scoped to one atomic transaction.
	// All multi-entity updates in C3/C4 go through this (§5).
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// FetchStream calls fn once per row in table, in unspecified order,
	// stopping early if fn returns an error. Used for cold-start replay of
	// executions/scheduled tasks on restart (§3 Ownership).
	FetchStream(ctx context.Context, table string, fn func(id string, raw []byte) error) error
}

// Tables used by the core. Kept as named constants so callers never hand-type
// table strings in more than one place.
const (
	TableSources            = "regulatory_sources"
	TableDocuments          = "regulatory_documents"
	TableImpactAssessments  = "impact_assessments"
	TableWorkflowDefinitions = "workflow_definitions"
	TableWorkflowExecutions = "workflow_executions"
	TableComplianceTasks    = "compliance_tasks"
	TableScheduledTasks     = "scheduled_tasks"
	TableTaskExecutions     = "task_executions"
	TableTriggers           = "triggers"
	TableDREvents           = "dr_events"
	TableDRTestResults      = "dr_test_results"
	TableDRObjectives       = "dr_objectives"
	TableBaselines          = "baselines"
)

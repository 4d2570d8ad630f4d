// Package pgstore is a PostgreSQL-backed store.Store. Every table the core
// addresses (store.TableSources, store.TableWorkflowExecutions, ...) is
// backed by one physical "records" table keyed by (table_name, id) with a
// jsonb payload column; this keeps the physical schema opaque to the core
// per spec §6, while still giving QueryByIndex real server-side filtering
// via Postgres's jsonb ->> operator.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/regulens/compliance-core/internal/errs"
	"github.com/regulens/compliance-core/internal/resilience"
	"github.com/regulens/compliance-core/internal/store"
)

// Schema is the DDL pgstore expects to already be applied. Migrations are
// out of scope for the core (§1 Non-goals); an operator runs this once.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	table_name TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (table_name, id)
);
CREATE INDEX IF NOT EXISTS records_table_name_idx ON records (table_name);
`

// Store is a sqlx-backed store.Store. InsertIfAbsent, Upsert, GetByID,
// QueryByIndex and Delete run through a circuit breaker wrapping a retry
// (§7), the same pattern used for the poller's HTTP fetch and the pipeline's
// embedding calls; Transaction and FetchStream call the database directly,
// and a txStore bound to an in-flight transaction does not retry, since a
// failed statement aborts the transaction and a retried statement would run
// against a dead tx.
type Store struct {
	db      *sqlx.DB
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// Open connects to Postgres, pings it, and applies connection pool limits.
// Grounded on the teacher's internal/platform/database.Open: sql.Open then
// PingContext under a bounded timeout.
func Open(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errs.Validation("dsn", "postgres DSN is required")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Fatal("open postgres", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errs.Transient("ping postgres", err)
	}
	return &Store{
		db:      db,
		breaker: resilience.New(resilience.DefaultConfig()),
		retry:   resilience.DefaultRetryConfig(),
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertIfAbsent(ctx context.Context, table, id string, value any) (bool, error) {
	var inserted bool
	err := s.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, s.retry, func() error {
			ins, err := insertIfAbsent(ctx, s.db, table, id, value)
			if err != nil {
				return err
			}
			inserted = ins
			return nil
		})
	})
	return inserted, err
}

func insertIfAbsent(ctx context.Context, q queryer, table, id string, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, errs.Fatal("marshal row", err)
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO records (table_name, id, data) VALUES ($1, $2, $3) ON CONFLICT (table_name, id) DO NOTHING`,
		table, id, raw)
	if err != nil {
		return false, errs.Transient("insert_if_absent "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Transient("insert_if_absent rows_affected "+table, err)
	}
	return n == 1, nil
}

func (s *Store) Upsert(ctx context.Context, table, id string, value any) error {
	return s.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, s.retry, func() error {
			return upsert(ctx, s.db, table, id, value)
		})
	})
}

func upsert(ctx context.Context, q queryer, table, id string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errs.Fatal("marshal row", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO records (table_name, id, data, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (table_name, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		table, id, raw)
	if err != nil {
		return errs.Transient("upsert "+table, err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, table, id string, dest any) error {
	return s.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, s.retry, func() error {
			return getByID(ctx, s.db, table, id, dest)
		})
	})
}

func getByID(ctx context.Context, q sqlx.QueryerContext, table, id string, dest any) error {
	var raw []byte
	err := sqlx.GetContext(ctx, q, &raw, `SELECT data FROM records WHERE table_name = $1 AND id = $2`, table, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return errs.NotFound(table, id)
		}
		return errs.Transient("get_by_id "+table, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errs.Fatal("unmarshal row", err)
	}
	return nil
}

func (s *Store) QueryByIndex(ctx context.Context, table, field string, value any, dest any) error {
	return s.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, s.retry, func() error {
			return queryByIndex(ctx, s.db, table, field, value, dest)
		})
	})
}

func queryByIndex(ctx context.Context, q sqlx.QueryerContext, table, field string, value any, dest any) error {
	wantRaw, err := json.Marshal(value)
	if err != nil {
		return errs.Fatal("marshal index value", err)
	}
	// jsonb ->> returns text; comparing against the JSON-encoded scalar's
	// unquoted form covers strings, numbers, and bools alike.
	want := strings.Trim(string(wantRaw), `"`)

	rows, err := q.QueryxContext(ctx,
		`SELECT data FROM records WHERE table_name = $1 AND data ->> $2 = $3`, table, field, want)
	if err != nil {
		return errs.Transient("query_by_index "+table, err)
	}
	defer rows.Close()

	raws := make([]json.RawMessage, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return errs.Transient("scan "+table, err)
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		return errs.Transient("iterate "+table, err)
	}

	combined, err := json.Marshal(raws)
	if err != nil {
		return errs.Fatal("marshal matches", err)
	}
	if err := json.Unmarshal(combined, dest); err != nil {
		return errs.Fatal("unmarshal matches", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	return s.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, s.retry, func() error {
			return deleteRow(ctx, s.db, table, id)
		})
	})
}

func deleteRow(ctx context.Context, q queryer, table, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM records WHERE table_name = $1 AND id = $2`, table, id); err != nil {
		return errs.Transient("delete "+table, err)
	}
	return nil
}

// Transaction opens a real Postgres transaction and hands fn a Store scoped
// to it; a returned error rolls the transaction back, nil commits.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Transient("begin tx", err)
	}
	txStore := &txStore{tx: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errs.Fatal(fmt.Sprintf("rollback after %v failed", err), rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Transient("commit tx", err)
	}
	return nil
}

func (s *Store) FetchStream(ctx context.Context, table string, fn func(id string, raw []byte) error) error {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, data FROM records WHERE table_name = $1`, table)
	if err != nil {
		return errs.Transient("fetch_stream "+table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return errs.Transient("scan "+table, err)
		}
		if err := fn(id, raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

// txStore is a Store bound to one in-flight *sqlx.Tx. Nested Transaction
// calls reuse the same tx rather than opening a new one (Postgres has no
// true nested transactions; savepoints are not needed by any caller here).
type txStore struct {
	tx *sqlx.Tx
}

func (t *txStore) InsertIfAbsent(ctx context.Context, table, id string, value any) (bool, error) {
	return insertIfAbsent(ctx, t.tx, table, id, value)
}
func (t *txStore) Upsert(ctx context.Context, table, id string, value any) error {
	return upsert(ctx, t.tx, table, id, value)
}
func (t *txStore) GetByID(ctx context.Context, table, id string, dest any) error {
	return getByID(ctx, t.tx, table, id, dest)
}
func (t *txStore) QueryByIndex(ctx context.Context, table, field string, value any, dest any) error {
	return queryByIndex(ctx, t.tx, table, field, value, dest)
}
func (t *txStore) Delete(ctx context.Context, table, id string) error {
	return deleteRow(ctx, t.tx, table, id)
}
func (t *txStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, t)
}
func (t *txStore) FetchStream(ctx context.Context, table string, fn func(id string, raw []byte) error) error {
	rows, err := t.tx.QueryxContext(ctx, `SELECT id, data FROM records WHERE table_name = $1`, table)
	if err != nil {
		return errs.Transient("fetch_stream "+table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return errs.Transient("scan "+table, err)
		}
		if err := fn(id, raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

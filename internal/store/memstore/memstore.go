// Package memstore is an in-memory store.Store, used by tests and as a
// reference implementation of the store contract (§6).
package memstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/regulens/compliance-core/internal/errs"
	"github.com/regulens/compliance-core/internal/store"
)

// Store is a mutex-guarded, JSON-encoded in-memory implementation of
// store.Store. Encoding every row to JSON (rather than keeping the native
// Go value) keeps GetByID/QueryByIndex honest about only exposing what a
// real backend could give back, and makes field-based QueryByIndex possible
// without per-entity schema knowledge.
type Store struct {
	mu     sync.Mutex
	tables map[string]map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]map[string][]byte)}
}

func (s *Store) table(name string) map[string][]byte {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string][]byte)
		s.tables[name] = t
	}
	return t
}

func (s *Store) InsertIfAbsent(_ context.Context, table, id string, value any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	if _, exists := t[id]; exists {
		return false, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, errs.Fatal("marshal row", err)
	}
	t[id] = raw
	return true, nil
}

func (s *Store) Upsert(_ context.Context, table, id string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return errs.Fatal("marshal row", err)
	}
	s.table(table)[id] = raw
	return nil
}

func (s *Store) GetByID(_ context.Context, table, id string, dest any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.table(table)[id]
	if !ok {
		return errs.NotFound(table, id)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errs.Fatal("unmarshal row", err)
	}
	return nil
}

// QueryByIndex decodes every row into a map, checks field's value with a
// loose JSON-level equality (matching what a jsonb ->> comparison would give
// a real backend), and appends matches to dest.
func (s *Store) QueryByIndex(_ context.Context, table, field string, value any, dest any) error {
	s.mu.Lock()
	rows := make([][]byte, 0, len(s.table(table)))
	for _, raw := range s.table(table) {
		rows = append(rows, raw)
	}
	s.mu.Unlock()

	wantRaw, err := json.Marshal(value)
	if err != nil {
		return errs.Fatal("marshal index value", err)
	}

	matches := make([]json.RawMessage, 0)
	for _, raw := range rows {
		var asMap map[string]json.RawMessage
		if err := json.Unmarshal(raw, &asMap); err != nil {
			continue
		}
		got, ok := asMap[field]
		if !ok {
			continue
		}
		if string(got) == string(wantRaw) {
			matches = append(matches, raw)
		}
	}

	combined, err := json.Marshal(matches)
	if err != nil {
		return errs.Fatal("marshal matches", err)
	}
	if err := json.Unmarshal(combined, dest); err != nil {
		return errs.Fatal("unmarshal matches", err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table(table), id)
	return nil
}

// Transaction runs fn against the same Store. The in-memory store has no
// partial-failure rollback; fn's error is simply surfaced to the caller
// since every prior write in this reference implementation is immediate.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, s)
}

func (s *Store) FetchStream(_ context.Context, table string, fn func(id string, raw []byte) error) error {
	s.mu.Lock()
	snapshot := make(map[string][]byte, len(s.table(table)))
	for id, raw := range s.table(table) {
		snapshot[id] = raw
	}
	s.mu.Unlock()

	for id, raw := range snapshot {
		if err := fn(id, raw); err != nil {
			return err
		}
	}
	return nil
}

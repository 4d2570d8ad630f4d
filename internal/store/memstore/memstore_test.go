package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regulens/compliance-core/internal/errs"
)

type widget struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Count int    `json:"count"`
}

func TestInsertIfAbsent(t *testing.T) {
	s := New()
	ctx := context.Background()

	inserted, err := s.InsertIfAbsent(ctx, "widgets", "w1", widget{ID: "w1", Owner: "a", Count: 1})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertIfAbsent(ctx, "widgets", "w1", widget{ID: "w1", Owner: "b", Count: 2})
	require.NoError(t, err)
	assert.False(t, inserted)

	var got widget
	require.NoError(t, s.GetByID(ctx, "widgets", "w1", &got))
	assert.Equal(t, "a", got.Owner)
}

func TestGetByIDNotFound(t *testing.T) {
	s := New()
	var got widget
	err := s.GetByID(context.Background(), "widgets", "missing", &got)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFoundKind))
}

func TestUpsertOverwrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "widgets", "w1", widget{ID: "w1", Owner: "a", Count: 1}))
	require.NoError(t, s.Upsert(ctx, "widgets", "w1", widget{ID: "w1", Owner: "a", Count: 2}))

	var got widget
	require.NoError(t, s.GetByID(ctx, "widgets", "w1", &got))
	assert.Equal(t, 2, got.Count)
}

func TestQueryByIndex(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "widgets", "w1", widget{ID: "w1", Owner: "a"}))
	require.NoError(t, s.Upsert(ctx, "widgets", "w2", widget{ID: "w2", Owner: "b"}))
	require.NoError(t, s.Upsert(ctx, "widgets", "w3", widget{ID: "w3", Owner: "a"}))

	var got []widget
	require.NoError(t, s.QueryByIndex(ctx, "widgets", "owner", "a", &got))
	assert.Len(t, got, 2)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "widgets", "w1", widget{ID: "w1"}))
	require.NoError(t, s.Delete(ctx, "widgets", "w1"))
	require.NoError(t, s.Delete(ctx, "widgets", "w1"))

	var got widget
	err := s.GetByID(ctx, "widgets", "w1", &got)
	assert.True(t, errs.Is(err, errs.NotFoundKind))
}

func TestFetchStreamStopsOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "widgets", "w1", widget{ID: "w1"}))
	require.NoError(t, s.Upsert(ctx, "widgets", "w2", widget{ID: "w2"}))

	seen := 0
	err := s.FetchStream(ctx, "widgets", func(id string, raw []byte) error {
		seen++
		return assert.AnError
	})
	assert.Error(t, err)
	assert.Equal(t, 1, seen)
}

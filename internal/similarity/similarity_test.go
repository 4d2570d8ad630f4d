package similarity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchRanksByScore(t *testing.T) {
	idx := NewMemIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "near", []float64{1, 0, 0}, nil, "near"))
	require.NoError(t, idx.Upsert(ctx, "far", []float64{0, 1, 0}, nil, "far"))

	matches, err := idx.Search(ctx, []float64{1, 0, 0.01}, 2, 0, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "near", matches[0].DocumentID)
}

func TestSearchAppliesThresholdAndFilters(t *testing.T) {
	idx := NewMemIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", []float64{1, 0}, map[string]any{"jurisdiction": "us"}, ""))
	require.NoError(t, idx.Upsert(ctx, "b", []float64{1, 0}, map[string]any{"jurisdiction": "eu"}, ""))

	matches, err := idx.Search(ctx, []float64{1, 0}, 10, 0.99, map[string]any{"jurisdiction": "us"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].DocumentID)
}

func TestDeleteRemovesFromSearch(t *testing.T) {
	idx := NewMemIndex()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "a", []float64{1, 0}, nil, ""))
	require.NoError(t, idx.Delete(ctx, "a"))

	matches, err := idx.Search(ctx, []float64{1, 0}, 10, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

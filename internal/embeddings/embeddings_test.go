package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(16)
	ctx := context.Background()

	v1, err := p.Embed(ctx, []string{"capital requirements directive"})
	require.NoError(t, err)
	v2, err := p.Embed(ctx, []string{"capital requirements directive"})
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1[0], 16)
}

func TestHashProviderRejectsEmpty(t *testing.T) {
	p := NewHashProvider(8)
	_, err := p.Embed(context.Background(), []string{""})
	assert.Error(t, err)
}

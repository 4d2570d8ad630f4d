// Package embeddings defines the embedding-provider collaborator consumed
// by the document pipeline (C2) per §6.
package embeddings

import (
	"context"
	"crypto/sha256"
	"strings"

	"github.com/regulens/compliance-core/internal/errs"
)

// Provider converts text into fixed-dimension vectors for similarity.Index.
type Provider interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	// Dimensions reports the vector length this provider produces.
	Dimensions() int
}

// HashProvider is a deterministic, dependency-free Provider: the same
// (text, dimensions) always yields the same vector. It exists so the
// pipeline and orchestrator can be exercised end-to-end in tests and in
// deployments without a hosted embedding model configured; it captures no
// real semantic similarity beyond sharing substrings.
type HashProvider struct {
	dims int
}

// NewHashProvider returns a HashProvider producing vectors of length dims.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 64
	}
	return &HashProvider{dims: dims}
}

func (h *HashProvider) Dimensions() int { return h.dims }

func (h *HashProvider) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, errs.Validation("text", "must be non-empty")
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashProvider) vector(text string) []float64 {
	vec := make([]float64, h.dims)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		words = []string{text}
	}
	for _, w := range words {
		sum := sha256.Sum256([]byte(w))
		for i := 0; i < h.dims; i++ {
			bucket := int(sum[i%len(sum)])
			if bucket%2 == 0 {
				vec[i] += 1
			} else {
				vec[i] -= 1
			}
		}
	}
	return vec
}

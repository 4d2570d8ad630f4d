package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/regulens/compliance-core/internal/embeddings"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/similarity"
)

func newTestPipeline() *Pipeline {
	return New(DefaultConfig(), embeddings.NewHashProvider(16), similarity.NewMemIndex(), logging.New("test", "error", "text"), nil)
}

// TestProcess_FingerprintStability exercises P6: equal bytes yield equal
// fingerprint and equal normalized text across invocations.
func TestProcess_FingerprintStability(t *testing.T) {
	p := newTestPipeline()
	raw := []byte("Section 12 requires   all banks\r\n\r\n\r\n\r\nto comply by January 1, 2026. Contact ops@bank.example or 555-123-4567.")

	r1, err := p.Process(context.Background(), raw, "")
	require.NoError(t, err)
	r2, err := p.Process(context.Background(), raw, "")
	require.NoError(t, err)

	require.True(t, r1.Success)
	require.Equal(t, r1.Fingerprint, r2.Fingerprint)
	require.Equal(t, r1.Text, r2.Text)
	require.Contains(t, r1.Metadata.References, "Section 12")
	require.Contains(t, r1.Metadata.Emails, "ops@bank.example")
	require.Contains(t, r1.Metadata.Phones, "555-123-4567")
	require.NotEmpty(t, r1.Metadata.Dates)
}

func TestProcess_SizeCapRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFileBytes = 4
	p := New(cfg, embeddings.NewHashProvider(16), similarity.NewMemIndex(), logging.New("test", "error", "text"), nil)

	_, err := p.Process(context.Background(), []byte("too long for the cap"), "")
	require.Error(t, err)
}

func TestNormalizeText_CollapsesBlankLinesAndWhitespace(t *testing.T) {
	in := "a\n\n\n\nb    c\x00d"
	out := normalizeText(in)
	require.Equal(t, "a\n\nb cd", out)
}

func TestResolveContentType_MagicByteSniff(t *testing.T) {
	require.Equal(t, "application/pdf", resolveContentType([]byte("%PDF-1.4 ..."), ""))
	require.Equal(t, "text/html", resolveContentType([]byte("<html><body>hi</body></html>"), ""))
	require.Equal(t, "text/plain", resolveContentType([]byte("plain text"), ""))
	require.Equal(t, "application/pdf", resolveContentType([]byte("plain text"), "application/pdf"))
}

func TestIndex_PublishesToSimilarityIndex(t *testing.T) {
	p := newTestPipeline()
	ctx := context.Background()
	result, err := p.Process(ctx, []byte("Final rule on capital requirements for all banks."), "")
	require.NoError(t, err)
	require.NoError(t, p.Index(ctx, "doc-1", result))
}

func TestExtractRegulatoryRefs_DeduplicatesMatches(t *testing.T) {
	refs := extractRegulatoryRefs("See Section 5 and also Section 5 again, plus Rule 12 and Part 3.")
	require.ElementsMatch(t, []string{"Section 5", "Rule 12", "Part 3"}, refs)
}

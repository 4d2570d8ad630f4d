package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/store"
	"github.com/regulens/compliance-core/internal/store/memstore"
)

type fakeFetcher struct {
	mu      sync.Mutex
	entries []Entry
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ domain.RegulatorySource) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

type recordingPipeline struct {
	mu   sync.Mutex
	docs []domain.RegulatoryDocument
}

func (r *recordingPipeline) Enqueue(_ context.Context, doc domain.RegulatoryDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
	return nil
}

type recordingEmitter struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingEmitter) Emit(_ context.Context, _ domain.TriggerKind, _ map[string]any, _ string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil, nil
}

func testLogger() *logging.Logger { return logging.New("test", "error", "text") }

func TestClassify(t *testing.T) {
	rules := DefaultClassificationRules()
	require.Equal(t, domain.DocumentTypeRegulation, Classify(rules, "Final Rule on Capital Requirements", ""))
	require.Equal(t, domain.DocumentTypeEnforcement, Classify(rules, "Enforcement Action against Bank X", ""))
	require.Equal(t, domain.DocumentTypeAnnouncement, Classify(rules, "Something unrelated", ""))
}

// TestPollOnce_DedupSecondPoll exercises P1/S2: repeating the same feed
// twice yields exactly one stored document and one emitted event.
func TestPollOnce_DedupSecondPoll(t *testing.T) {
	fetcher := &fakeFetcher{entries: []Entry{{ExternalID: "X", Title: "Final Rule on X", Link: "u", PublishedAt: time.Now()}}}
	pipeline := &recordingPipeline{}
	emitter := &recordingEmitter{}
	st := memstore.New()

	p := New(Config{}, st, fetcher, pipeline, emitter, testLogger(), nil)
	src := domain.RegulatorySource{ID: "s1", Active: true, PollIntervalMinutes: 1}

	ctx := context.Background()
	require.NoError(t, p.Start(ctx, []domain.RegulatorySource{src}))
	defer p.Stop()

	require.NoError(t, p.pollOnce(ctx, "s1"))
	require.NoError(t, p.pollOnce(ctx, "s1"))

	var docs []domain.RegulatoryDocument
	require.NoError(t, st.QueryByIndex(ctx, store.TableDocuments, "SourceID", "s1", &docs))
	require.Len(t, docs, 1)

	pipeline.mu.Lock()
	require.Len(t, pipeline.docs, 1)
	pipeline.mu.Unlock()

	emitter.mu.Lock()
	require.Equal(t, 1, emitter.calls)
	emitter.mu.Unlock()
}

func TestHashEntry_Deterministic(t *testing.T) {
	e := Entry{Title: "t", Link: "l", PublishedAt: time.Unix(0, 0)}
	require.Equal(t, hashEntry(e), hashEntry(e))
}

// Package pipeline implements the Document Pipeline (C2): turns a raw
// document reference into text + metadata and publishes it to the
// similarity index (§4.2).
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/regulens/compliance-core/internal/embeddings"
	"github.com/regulens/compliance-core/internal/errs"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/obs/metrics"
	"github.com/regulens/compliance-core/internal/resilience"
	"github.com/regulens/compliance-core/internal/similarity"
)

// Metadata holds the bounded-size facts extracted from a document (§4.2).
type Metadata struct {
	Dates       []string
	Emails      []string
	Phones      []string
	References  []string
	ContentType string
}

// Result is the outcome of processing one source; it never represents a
// fatal pipeline error — unrecoverable failures set Success=false instead
// (§4.2: "never fails the pipeline loop").
type Result struct {
	Text        string
	Metadata    Metadata
	Fingerprint string
	Success     bool
	Error       string
}

// Config bounds pipeline resource usage (§4.2, §6 Pipeline config).
type Config struct {
	MaxFileBytes        int64
	AllowedContentTypes []string
	MaxDates            int
	MaxEmails           int
	MaxPhones           int
}

// DefaultConfig returns the §4.2 caps: 10 dates, 5 emails, 5 phones.
func DefaultConfig() Config {
	return Config{
		MaxFileBytes:        50 * 1024 * 1024,
		AllowedContentTypes: []string{"application/pdf", "text/html", "text/plain"},
		MaxDates:            10,
		MaxEmails:           5,
		MaxPhones:           5,
	}
}

// Pipeline processes raw document bytes into text+metadata and indexes the
// result into the similarity index. It is the index's only writer (§4.2).
type Pipeline struct {
	cfg        Config
	embeddings embeddings.Provider
	index      similarity.Index
	log        *logging.Logger
	metrics    *metrics.Metrics
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
}

// New constructs a Pipeline.
func New(cfg Config, emb embeddings.Provider, idx similarity.Index, log *logging.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultConfig().MaxFileBytes
	}
	if cfg.MaxDates <= 0 {
		cfg.MaxDates = 10
	}
	if cfg.MaxEmails <= 0 {
		cfg.MaxEmails = 5
	}
	if cfg.MaxPhones <= 0 {
		cfg.MaxPhones = 5
	}
	return &Pipeline{
		cfg: cfg, embeddings: emb, index: idx, log: log, metrics: m,
		breaker: resilience.New(resilience.DefaultConfig()),
		retry:   resilience.DefaultRetryConfig(),
	}
}

// Process extracts text and metadata from raw bytes (§4.2). declaredType,
// if non-empty, short-circuits content-type sniffing. Process never returns
// a Go error for recoverable extraction failures; it reports Success=false
// instead. A size-cap violation is the one case treated as a structured,
// non-retryable error surfaced to the caller (§4.2: "rejected with a
// structured error, no partial ingest").
func (p *Pipeline) Process(ctx context.Context, raw []byte, declaredType string) (Result, error) {
	if int64(len(raw)) > p.cfg.MaxFileBytes {
		return Result{}, errs.Validation("size", "input exceeds configured max_file_bytes")
	}

	fingerprint := fingerprintOf(raw)
	contentType := resolveContentType(raw, declaredType)

	text, err := extract(raw, contentType)
	if err != nil {
		p.recordStage("extract", "error")
		return Result{Fingerprint: fingerprint, Success: false, Error: err.Error()}, nil
	}

	normalized := normalizeText(text)
	meta := Metadata{
		Dates:       capStrings(extractDates(normalized), p.cfg.MaxDates),
		Emails:      capStrings(extractEmails(normalized), p.cfg.MaxEmails),
		Phones:      capStrings(extractPhones(normalized), p.cfg.MaxPhones),
		References:  extractRegulatoryRefs(normalized),
		ContentType: contentType,
	}

	p.recordStage("extract", "ok")
	return Result{Text: normalized, Metadata: meta, Fingerprint: fingerprint, Success: true}, nil
}

// Index publishes a successfully processed document into the similarity
// index (§4.2 Indexing contract): embeds the text, then upserts
// (document_id, embeddings, metadata, excerpt).
func (p *Pipeline) Index(ctx context.Context, documentID string, result Result) error {
	if !result.Success {
		return errs.Validation("result", "cannot index a failed extraction")
	}
	var vectors [][]float64
	embedErr := p.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, p.retry, func() error {
			v, err := p.embeddings.Embed(ctx, []string{result.Text})
			if err != nil {
				return err
			}
			vectors = v
			return nil
		})
	})
	if embedErr != nil {
		p.recordStage("embed", "error")
		return errs.Transient("embed document text", embedErr)
	}
	payload := map[string]any{
		"content_type": result.Metadata.ContentType,
		"references":   result.Metadata.References,
	}
	excerpt := excerptOf(result.Text, 280)
	upsertErr := p.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, p.retry, func() error {
			return p.index.Upsert(ctx, documentID, vectors[0], payload, excerpt)
		})
	})
	if upsertErr != nil {
		p.recordStage("index", "error")
		return errs.Transient("upsert similarity index", upsertErr)
	}
	p.recordStage("index", "ok")
	return nil
}

func (p *Pipeline) recordStage(stage, status string) {
	if p.metrics != nil {
		p.metrics.RecordPipelineStage("compliance-core", stage, status, 0)
	}
}

func fingerprintOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func excerptOf(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return strings.TrimSpace(text[:n]) + "..."
}

func capStrings(in []string, max int) []string {
	if len(in) <= max {
		return in
	}
	return in[:max]
}

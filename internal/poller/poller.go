// Package poller implements the Source Poller (C1): one independent worker
// per active RegulatorySource, polling on the source's declared interval
// with failure isolation (§4.1).
package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/errs"
	"github.com/regulens/compliance-core/internal/lifecycle"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/obs/metrics"
	"github.com/regulens/compliance-core/internal/store"
)

// Entry is one candidate item found in a source's feed, prior to dedup and
// classification (§9: tagged variant replacing an untyped map).
type Entry struct {
	ExternalID  string
	Title       string
	Link        string
	Summary     string
	FullText    string
	PublishedAt time.Time
}

// Fetcher fetches and parses one source's feed into candidate entries. The
// poll cycle's "fetch -> parse" step (§4.1) is behind this interface so
// feed/http-api/web sources can each supply their own implementation.
type Fetcher interface {
	Fetch(ctx context.Context, source domain.RegulatorySource) ([]Entry, error)
}

// PipelineSink receives newly inserted documents for C2 enrichment (§4.1
// step "enqueue a pipeline job").
type PipelineSink interface {
	Enqueue(ctx context.Context, doc domain.RegulatoryDocument) error
}

// EventEmitter is the capability the poller needs from the Orchestrator
// (§9's EventSource capability set) to fire a regulatory_change event
// without importing the orchestrator package directly.
type EventEmitter interface {
	Emit(ctx context.Context, kind domain.TriggerKind, payload map[string]any, actor string) ([]string, error)
}

// ClassificationRule maps a DocumentType to the keywords that identify it
// in a title+summary (§4.1: "keyword-based over title+summary; the rule
// table is configuration"). Rules are evaluated in order; first match wins.
type ClassificationRule struct {
	Type     domain.DocumentType
	Keywords []string
}

// DefaultClassificationRules is the out-of-the-box rule table, grounded on
// original_source's regulatory_monitor keyword tables.
func DefaultClassificationRules() []ClassificationRule {
	return []ClassificationRule{
		{Type: domain.DocumentTypeEnforcement, Keywords: []string{"enforcement action", "consent order", "civil money penalty", "cease and desist"}},
		{Type: domain.DocumentTypeProposal, Keywords: []string{"notice of proposed rulemaking", "proposed rule", "request for comment"}},
		{Type: domain.DocumentTypeGuidance, Keywords: []string{"guidance", "frequently asked questions", "interpretive letter", "supervisory letter"}},
		{Type: domain.DocumentTypeAnnouncement, Keywords: []string{"press release", "announcement", "statement"}},
		{Type: domain.DocumentTypeRegulation, Keywords: []string{"final rule", "rule", "regulation", "amendment"}},
	}
}

// Classify returns the DocumentType whose keyword list first matches
// title+summary, defaulting to DocumentTypeAnnouncement if nothing matches.
func Classify(rules []ClassificationRule, title, summary string) domain.DocumentType {
	text := strings.ToLower(title + " " + summary)
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(text, kw) {
				return rule.Type
			}
		}
	}
	return domain.DocumentTypeAnnouncement
}

// Config configures the Poller (§6 Source config, §5 backpressure).
type Config struct {
	MaxConsecutiveFailures int
	HighWaterMark          int
	LowWaterMark           int
	ClassificationRules    []ClassificationRule
}

// Poller owns one lifecycle.Worker per active RegulatorySource (§4.1, §9).
type Poller struct {
	cfg      Config
	store    store.Store
	fetcher  Fetcher
	pipeline PipelineSink
	events   EventEmitter
	log      *logging.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	group   *lifecycle.WorkerGroup
	sources map[string]*domain.RegulatorySource

	backlog     int
	backlogMu   sync.Mutex
	pausedInserts bool
}

// New constructs a Poller. fetcher, pipeline, and events are the poller's
// only collaborators; cfg supplies defaults for any zero field.
func New(cfg Config, st store.Store, fetcher Fetcher, pipeline PipelineSink, events EventEmitter, log *logging.Logger, m *metrics.Metrics) *Poller {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = 1000
	}
	if cfg.LowWaterMark <= 0 {
		cfg.LowWaterMark = cfg.HighWaterMark / 5
	}
	if cfg.ClassificationRules == nil {
		cfg.ClassificationRules = DefaultClassificationRules()
	}
	return &Poller{
		cfg:      cfg,
		store:    st,
		fetcher:  fetcher,
		pipeline: pipeline,
		events:   events,
		log:      log,
		metrics:  m,
		group:    lifecycle.NewWorkerGroup(),
		sources:  make(map[string]*domain.RegulatorySource),
	}
}

// Start spawns one worker per active source passed in. Idempotent: calling
// Start twice on a running Poller is a no-op for already-started sources.
func (p *Poller) Start(ctx context.Context, sources []domain.RegulatorySource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range sources {
		src := sources[i]
		if !src.Active {
			continue
		}
		if _, known := p.sources[src.ID]; known {
			continue
		}
		p.sources[src.ID] = &src
		interval := time.Duration(src.PollIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		sourceID := src.ID
		p.group.AddFunc(
			fmt.Sprintf("poller:%s", sourceID),
			interval,
			func(ctx context.Context) error { return p.pollOnce(ctx, sourceID) },
			func(name string, err error) {
				p.log.WithComponent("poller").WithError(err).Warn("poll cycle failed, will retry next interval")
			},
		)
	}
	for _, w := range p.group.Workers() {
		if w.IsRunning() {
			continue
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop waits for in-flight polls to finish (bounded by each worker's own
// fn) then stops every worker. Idempotent.
func (p *Poller) Stop() {
	p.group.Stop()
}

// pollOnce runs one poll cycle for sourceID: fetch -> parse -> dedup ->
// insert -> enqueue + emit (§4.1).
func (p *Poller) pollOnce(ctx context.Context, sourceID string) error {
	start := time.Now()
	p.mu.Lock()
	src, ok := p.sources[sourceID]
	p.mu.Unlock()
	if !ok {
		return errs.NotFound("source", sourceID)
	}

	if p.backpressureActive() {
		p.log.WithComponent("poller").WithFields(map[string]any{"source_id": sourceID}).
			Warn("pipeline backlog above high-water mark, skipping poll cycle")
		return nil
	}

	entries, err := p.fetcher.Fetch(ctx, *src)
	if err != nil {
		p.recordFailure(src)
		if p.metrics != nil {
			p.metrics.RecordSourcePoll("compliance-core", sourceID, "error", time.Since(start))
		}
		return errs.Transient("fetch source "+sourceID, err)
	}

	// Process in feed order so "first insert wins" is reproducible (§4.1
	// Ordering).
	inserted := 0
	for _, entry := range entries {
		if err := p.processEntry(ctx, *src, entry); err != nil {
			p.log.WithComponent("poller").WithError(err).WithFields(map[string]any{
				"source_id": sourceID, "external_id": entry.ExternalID,
			}).Warn("failed to process entry, continuing with next")
			continue
		}
		inserted++
	}

	p.mu.Lock()
	src.LastPolled = time.Now()
	src.ConsecutiveFailures = 0
	p.mu.Unlock()
	_ = p.store.Upsert(ctx, store.TableSources, src.ID, src)

	if p.metrics != nil {
		p.metrics.RecordSourcePoll("compliance-core", sourceID, "ok", time.Since(start))
		p.metrics.SetSourceConsecutiveFailures("compliance-core", sourceID, 0)
	}
	return nil
}

func (p *Poller) processEntry(ctx context.Context, src domain.RegulatorySource, entry Entry) error {
	externalID := entry.ExternalID
	if strings.TrimSpace(externalID) == "" {
		externalID = hashEntry(entry)
	}

	doc := domain.RegulatoryDocument{
		SourceID:        src.ID,
		ExternalID:      externalID,
		Title:           entry.Title,
		DocumentType:    Classify(p.cfg.ClassificationRules, entry.Title, entry.Summary),
		Status:          "new",
		PublicationTime: entry.PublishedAt,
		Summary:         entry.Summary,
		FullText:        entry.FullText,
		URL:             entry.Link,
	}
	doc.ID = doc.DedupKey()

	inserted, err := p.store.InsertIfAbsent(ctx, store.TableDocuments, doc.ID, &doc)
	if err != nil {
		return errs.Transient("insert document", err)
	}
	if !inserted {
		return nil // P1: (source_id, external_id) already present
	}

	p.addBacklog(1)
	if p.metrics != nil {
		p.metrics.RecordDocumentDiscovered("compliance-core", src.ID, string(doc.DocumentType))
	}

	if p.pipeline != nil {
		if err := p.pipeline.Enqueue(ctx, doc); err != nil {
			return errs.Transient("enqueue pipeline job", err)
		}
	}
	if p.events != nil {
		if _, err := p.events.Emit(ctx, domain.TriggerRegulatoryChange, map[string]any{
			"document_id": doc.ID,
			"source_id":   doc.SourceID,
			"external_id": doc.ExternalID,
		}, "source_poller"); err != nil {
			return errs.Transient("emit regulatory_change event", err)
		}
	}
	return nil
}

func (p *Poller) recordFailure(src *domain.RegulatorySource) {
	p.mu.Lock()
	src.ConsecutiveFailures++
	degraded := src.Degraded(p.cfg.MaxConsecutiveFailures)
	count := src.ConsecutiveFailures
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SetSourceConsecutiveFailures("compliance-core", src.ID, count)
	}
	if degraded {
		p.log.WithComponent("poller").WithFields(map[string]any{
			"source_id": src.ID, "consecutive_failures": count,
		}).Error("source entered degraded state")
	}
}

// Degraded reports whether sourceID's consecutive failures have reached the
// configured threshold, for health reporting.
func (p *Poller) Degraded(sourceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	src, ok := p.sources[sourceID]
	if !ok {
		return false
	}
	return src.Degraded(p.cfg.MaxConsecutiveFailures)
}

// addBacklog adjusts the pipeline backlog counter used for back-pressure
// (§5: "when the document pipeline queue exceeds a high-water mark, the
// poller pauses inserts until it drains below a low-water mark").
func (p *Poller) addBacklog(delta int) {
	p.backlogMu.Lock()
	defer p.backlogMu.Unlock()
	p.backlog += delta
	if p.backlog < 0 {
		p.backlog = 0
	}
	if p.backlog >= p.cfg.HighWaterMark {
		p.pausedInserts = true
	} else if p.backlog <= p.cfg.LowWaterMark {
		p.pausedInserts = false
	}
}

// SetBacklog lets the pipeline report its current queue depth directly,
// e.g. from a periodic gauge sample.
func (p *Poller) SetBacklog(n int) {
	p.backlogMu.Lock()
	defer p.backlogMu.Unlock()
	p.backlog = n
	if n >= p.cfg.HighWaterMark {
		p.pausedInserts = true
	} else if n <= p.cfg.LowWaterMark {
		p.pausedInserts = false
	}
}

func (p *Poller) backpressureActive() bool {
	p.backlogMu.Lock()
	defer p.backlogMu.Unlock()
	return p.pausedInserts
}

// hashEntry computes a stable external_id for entries lacking a provided
// id, per §4.1: "hash of title+link+published".
func hashEntry(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.Title))
	h.Write([]byte(e.Link))
	h.Write([]byte(e.PublishedAt.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

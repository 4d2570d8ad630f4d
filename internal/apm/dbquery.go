package apm

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/regulens/compliance-core/internal/domain"
)

const slowQueryRingSize = 20

var (
	reInClause      = regexp.MustCompile(`(?i)\bIN\s*\([^)]*\)`)
	reStringLiteral = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
	rePositional    = regexp.MustCompile(`\$\d+`)
	reInteger       = regexp.MustCompile(`\b\d+\b`)
)

// NormalizeQuery collapses a raw SQL statement to its shape: IN-lists
// collapse to a single placeholder, string literals and integers are
// replaced with placeholders, positional parameters become "$?", and the
// whole thing is upper-cased so that otherwise-identical queries issued with
// different literal values aggregate together (§4.6.1 "Database query
// tracker").
func NormalizeQuery(q string) string {
	q = reInClause.ReplaceAllString(q, "IN (?)")
	q = reStringLiteral.ReplaceAllString(q, "'?'")
	q = rePositional.ReplaceAllString(q, "$?")
	q = reInteger.ReplaceAllString(q, "?")
	return strings.ToUpper(strings.TrimSpace(q))
}

// QueryTracker maintains one domain.QueryAggregate per normalized query
// pattern, including a bounded ring of its slowest recent executions.
type QueryTracker struct {
	mu              sync.Mutex
	aggregates      map[string]*domain.QueryAggregate
	slowRings       map[string]*ring[domain.SlowQuery]
	slowThresholdMs float64
}

// NewQueryTracker constructs a QueryTracker with the given slow-query
// threshold in milliseconds (§4.6.1, APMConfig.SlowQueryThresholdMillis).
func NewQueryTracker(slowThresholdMs int) *QueryTracker {
	if slowThresholdMs <= 0 {
		slowThresholdMs = 1000
	}
	return &QueryTracker{
		aggregates:      make(map[string]*domain.QueryAggregate),
		slowRings:       make(map[string]*ring[domain.SlowQuery]),
		slowThresholdMs: float64(slowThresholdMs),
	}
}

// Record normalizes rawQuery and folds one execution sample into its
// aggregate. err indicates whether the query failed.
func (t *QueryTracker) Record(rawQuery string, durationMs float64, err error) domain.QueryAggregate {
	pattern := NormalizeQuery(rawQuery)

	t.mu.Lock()
	defer t.mu.Unlock()

	agg, ok := t.aggregates[pattern]
	if !ok {
		agg = &domain.QueryAggregate{Pattern: pattern, MinMs: durationMs, MaxMs: durationMs}
		t.aggregates[pattern] = agg
		t.slowRings[pattern] = newRing[domain.SlowQuery](slowQueryRingSize)
	}
	agg.Count++
	agg.TotalMs += durationMs
	if durationMs < agg.MinMs || agg.Count == 1 {
		agg.MinMs = durationMs
	}
	if durationMs > agg.MaxMs {
		agg.MaxMs = durationMs
	}
	if err != nil {
		agg.ErrorCount++
	}

	if durationMs >= t.slowThresholdMs {
		t.slowRings[pattern].Add(domain.SlowQuery{Pattern: pattern, DurationMs: durationMs, At: time.Now()})
	}
	agg.SlowQueries = t.slowRings[pattern].Snapshot()

	out := *agg
	out.SlowQueries = append([]domain.SlowQuery(nil), agg.SlowQueries...)
	return out
}

// Aggregate returns the current aggregate for a normalized pattern, if any.
func (t *QueryTracker) Aggregate(pattern string) (domain.QueryAggregate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	agg, ok := t.aggregates[pattern]
	if !ok {
		return domain.QueryAggregate{}, false
	}
	return *agg, true
}

// Aggregates returns a snapshot of every tracked query pattern.
func (t *QueryTracker) Aggregates() []domain.QueryAggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.QueryAggregate, 0, len(t.aggregates))
	for _, agg := range t.aggregates {
		out = append(out, *agg)
	}
	return out
}

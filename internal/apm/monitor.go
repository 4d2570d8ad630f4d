// Package apm implements the in-process observability plane (C6 half 1):
// bounded metrics/error/resource ring buffers, an operation wrapper
// contract, a regression detector, and a database query tracker (§4.6.1).
package apm

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/obs/metrics"
)

const (
	metricRingSize   = 100
	errorRingSize    = 10000
	resourceRingSize = 10 // 5 minutes at a 30s sample interval
	stackTracesKept  = 10
)

type errorAggregate struct {
	Type      string
	Service   string
	Op        string
	Count     int64
	FirstSeen time.Time
	LastSeen  time.Time
	Actors    map[string]bool
	Stacks    []string
}

// Monitor is the in-process APM collector (§4.6.1).
type Monitor struct {
	log     *logging.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	metricRings map[string]*ring[domain.PerformanceMetric]
	baselines   map[string]domain.Baseline

	errMu    sync.Mutex
	errors   *ring[domain.ErrorEvent]
	errorAgg map[string]*errorAggregate

	resources *ring[domain.ResourceSample]

	onRegression func(domain.RegressionEvent)
}

// New constructs a Monitor.
func New(log *logging.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{
		log:         log,
		metrics:     m,
		metricRings: make(map[string]*ring[domain.PerformanceMetric]),
		baselines:   make(map[string]domain.Baseline),
		errors:      newRing[domain.ErrorEvent](errorRingSize),
		errorAgg:    make(map[string]*errorAggregate),
		resources:   newRing[domain.ResourceSample](resourceRingSize),
	}
}

// OnRegression registers a callback invoked whenever the regression detector
// fires (§4.6.1). Typically wired to the event sink by the supervisor.
func (m *Monitor) OnRegression(fn func(domain.RegressionEvent)) {
	m.onRegression = fn
}

func metricKey(service, op string, kind domain.MetricKind) string {
	return service + ":" + op + ":" + string(kind)
}

// RecordMetric appends one sample and runs the regression check (§4.6.1).
func (m *Monitor) RecordMetric(service, op string, kind domain.MetricKind, value float64, unit string, tags map[string]string) {
	sample := domain.PerformanceMetric{Timestamp: time.Now(), Kind: kind, Value: value, Unit: unit, Service: service, Op: op, Tags: tags}

	key := metricKey(service, op, kind)
	m.mu.Lock()
	r, ok := m.metricRings[key]
	if !ok {
		r = newRing[domain.PerformanceMetric](metricRingSize)
		m.metricRings[key] = r
	}
	baseline, hasBaseline := m.baselines[key]
	m.mu.Unlock()

	r.Add(sample)

	if hasBaseline {
		m.checkRegression(service, op, kind, baseline, r)
	}
}

// checkRegression implements §4.6.1's rolling-average regression rule.
func (m *Monitor) checkRegression(service, op string, kind domain.MetricKind, baseline domain.Baseline, r *ring[domain.PerformanceMetric]) {
	last10 := r.Last(10)
	if len(last10) == 0 {
		return
	}
	var sum float64
	for _, s := range last10 {
		sum += s.Value
	}
	avg := sum / float64(len(last10))

	threshold := baseline.Value * (1 + baseline.ThresholdPercent/100)
	if avg <= threshold {
		return
	}

	event := domain.RegressionEvent{
		Service: service, Op: op, Kind: kind,
		BaselineValue: baseline.Value, RollingAvg: avg,
		ThresholdPercent: baseline.ThresholdPercent, DetectedAt: time.Now(),
	}
	if m.onRegression != nil {
		m.onRegression(event)
	}
}

// SetBaseline installs or replaces the regression baseline for a
// (service, op, kind) triple.
func (m *Monitor) SetBaseline(b domain.Baseline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[metricKey(b.Service, b.Op, b.Kind)] = b
}

// RefreshBaselines recomputes every tracked baseline's Value as the 95th
// percentile of its last 100 samples (§4.6.1 "Baselines are periodically
// refreshed").
func (m *Monitor) RefreshBaselines() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.baselines))
	for k := range m.baselines {
		keys = append(keys, k)
	}
	rings := make(map[string]*ring[domain.PerformanceMetric], len(keys))
	for _, k := range keys {
		rings[k] = m.metricRings[k]
	}
	m.mu.Unlock()

	for _, k := range keys {
		r := rings[k]
		if r == nil {
			continue
		}
		samples := r.Snapshot()
		if len(samples) == 0 {
			continue
		}
		values := make([]float64, len(samples))
		for i, s := range samples {
			values[i] = s.Value
		}
		p95 := percentile(values, 95)

		m.mu.Lock()
		if b, ok := m.baselines[k]; ok {
			b.Value = p95
			m.baselines[k] = b
		}
		m.mu.Unlock()
	}
}

func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := (p / 100) * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// RecordError appends one error sample and updates its aggregate (§4.6.1).
func (m *Monitor) RecordError(event domain.ErrorEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("err-%d-%d", event.Timestamp.UnixNano(), rand.Intn(1_000_000))
	}

	m.errors.Add(event)

	key := event.Type + ":" + event.Service + ":" + event.Op
	m.errMu.Lock()
	defer m.errMu.Unlock()
	agg, ok := m.errorAgg[key]
	if !ok {
		agg = &errorAggregate{Type: event.Type, Service: event.Service, Op: event.Op, FirstSeen: event.Timestamp, Actors: make(map[string]bool)}
		m.errorAgg[key] = agg
	}
	agg.Count++
	agg.LastSeen = event.Timestamp
	if event.Actor != "" {
		agg.Actors[event.Actor] = true
	}
	if event.Stack != "" {
		agg.Stacks = append(agg.Stacks, event.Stack)
		if len(agg.Stacks) > stackTracesKept {
			agg.Stacks = agg.Stacks[len(agg.Stacks)-stackTracesKept:]
		}
	}
}

// ErrorRate returns the count of errors for (errType, service, op) observed
// within the last windowSeconds, expressed per minute of window (§4.6.1:
// "count within the last W seconds / W in minutes").
func (m *Monitor) ErrorRate(errType, service, op string, windowSeconds int) float64 {
	if windowSeconds <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-time.Duration(windowSeconds) * time.Second)
	count := 0
	for _, e := range m.errors.Snapshot() {
		if e.Type != errType || e.Service != service || e.Op != op {
			continue
		}
		if e.Timestamp.After(cutoff) {
			count++
		}
	}
	windowMinutes := float64(windowSeconds) / 60
	if windowMinutes == 0 {
		return 0
	}
	return float64(count) / windowMinutes
}

// SampleResource records one process resource snapshot (§4.6.1).
func (m *Monitor) SampleResource(s domain.ResourceSample) {
	m.resources.Add(s)
}

// ResourceSnapshots returns every currently-retained resource sample.
func (m *Monitor) ResourceSnapshots() []domain.ResourceSample {
	return m.resources.Snapshot()
}

// Resource alert thresholds (§4.6.1).
const (
	CPUAlertThreshold    = 80.0
	MemoryAlertThreshold = 85.0
	FDAlertThreshold     = 1000
)

// ResourceAlerts reports which thresholds the most recent sample breaches.
func (m *Monitor) ResourceAlerts(memoryPercent float64) []string {
	samples := m.resources.Last(1)
	if len(samples) == 0 {
		return nil
	}
	s := samples[0]
	var alerts []string
	if s.CPUPercent > CPUAlertThreshold {
		alerts = append(alerts, "cpu")
	}
	if memoryPercent > MemoryAlertThreshold {
		alerts = append(alerts, "memory")
	}
	if s.FileDescriptors > FDAlertThreshold {
		alerts = append(alerts, "file_descriptors")
	}
	return alerts
}

// Summary is the apm_summary admin snapshot (§6).
type Summary struct {
	TrackedOperations int
	ErrorAggregates   int
	RecentResources   []domain.ResourceSample
}

// Summary returns a point-in-time snapshot of the APM planes.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	ops := len(m.metricRings)
	m.mu.RUnlock()

	m.errMu.Lock()
	aggs := len(m.errorAgg)
	m.errMu.Unlock()

	return Summary{
		TrackedOperations: ops,
		ErrorAggregates:   aggs,
		RecentResources:   m.resources.Last(5),
	}
}

// Wrap implements §4.6.1's operation wrapper contract: start/end times,
// thrown errors, and optional result tags are recorded; on error, both a
// metric (success=false) and an error aggregate are recorded before the
// error is re-raised.
func (m *Monitor) Wrap(ctx context.Context, service, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	tags := map[string]string{"success": fmt.Sprint(err == nil)}
	m.RecordMetric(service, op, domain.MetricResponseTime, float64(duration.Milliseconds()), "ms", tags)
	if m.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.metrics.RecordDatabaseQuery(service, op, status, duration)
	}

	if err != nil {
		m.RecordError(domain.ErrorEvent{
			Type: "operation_error", Message: err.Error(), Service: service, Op: op,
			Severity: domain.ErrorSeverityError,
		})
	}
	return err
}

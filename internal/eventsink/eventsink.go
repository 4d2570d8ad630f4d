// Package eventsink defines the outbound notification collaborator
// consumed by C3, C4, C5, and C6 per §6.
package eventsink

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/regulens/compliance-core/internal/obs/logging"
)

// Severity is the closed set of event severities.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one outbound notification (§6). DedupKey lets a sink collapse
// repeats of the same condition (e.g. a trigger's cooldown firing twice)
// without the core needing to know the sink's own dedup window.
type Event struct {
	Kind     string
	Severity Severity
	Subject  string
	Body     string
	Tags     map[string]string
	DedupKey string
}

// Sink is the event-sink interface (§6).
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// LoggingSink logs every event through the core's structured logger. It is
// the default sink for deployments with no external notification channel
// configured; tests use RecordingSink instead.
type LoggingSink struct {
	log *logging.Logger
}

// NewLoggingSink returns a Sink that logs to log.
func NewLoggingSink(log *logging.Logger) *LoggingSink {
	return &LoggingSink{log: log}
}

func (s *LoggingSink) Emit(ctx context.Context, event Event) error {
	entry := s.log.WithContext(ctx).WithField("component", "eventsink").WithFields(logrus.Fields{
		"kind":      event.Kind,
		"severity":  event.Severity,
		"subject":   event.Subject,
		"dedup_key": event.DedupKey,
	})
	switch event.Severity {
	case SeverityCritical:
		entry.Error(event.Body)
	case SeverityWarning:
		entry.Warn(event.Body)
	default:
		entry.Info(event.Body)
	}
	return nil
}

// RecordingSink appends every Emit call to an in-memory slice. It exists for
// tests that assert on what was emitted without wiring a real channel.
type RecordingSink struct {
	mu     sync.Mutex
	Events []Event
}

// NewRecordingSink returns an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (s *RecordingSink) Emit(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, event)
	return nil
}

// Len returns the number of events recorded so far.
func (s *RecordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Events)
}

// Package supervisor owns process-wide lifecycle: it starts the long-lived
// dispatcher components (C1 Poller, C3 Scheduler, C6 DR Supervisor, the APM
// resource sampler) in declared order and stops them in reverse (§5, §9),
// generalized from the teacher's internal/marble.Service Start/Stop +
// running-flag pattern.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/regulens/compliance-core/internal/obs/logging"
)

// Service is the lifecycle contract every long-lived dispatcher component
// satisfies.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

type entry struct {
	name string
	svc  Service
}

// Supervisor starts and stops a declared-order set of Services as one unit.
type Supervisor struct {
	mu       sync.Mutex
	log      *logging.Logger
	entries  []entry
	started  []entry
	running  bool
}

// New constructs an empty Supervisor.
func New(log *logging.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Register adds a service to the startup order. Call before Start.
func (s *Supervisor) Register(name string, svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{name: name, svc: svc})
}

// Start starts every registered service in registration order. If any
// service fails to start, every already-started service is stopped in
// reverse order before the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	var started []entry
	for _, e := range entries {
		if err := e.svc.Start(ctx); err != nil {
			s.log.WithComponent("supervisor").WithError(err).Error("service failed to start: " + e.name)
			stopInReverse(s.log, started)
			return fmt.Errorf("starting %s: %w", e.name, err)
		}
		s.log.WithComponent("supervisor").Info("started " + e.name)
		started = append(started, e)
	}

	s.mu.Lock()
	s.started = started
	s.running = true
	s.mu.Unlock()
	return nil
}

// Stop stops every started service in reverse order. It collects, rather
// than short-circuits on, individual stop errors so that one misbehaving
// component cannot prevent the rest from shutting down.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	started := s.started
	s.started = nil
	s.running = false
	s.mu.Unlock()

	return stopInReverse(s.log, started)
}

func stopInReverse(log *logging.Logger, started []entry) error {
	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		e := started[i]
		if err := e.svc.Stop(); err != nil {
			log.WithComponent("supervisor").WithError(err).Warn("service failed to stop cleanly: " + e.name)
			if firstErr == nil {
				firstErr = fmt.Errorf("stopping %s: %w", e.name, err)
			}
			continue
		}
		log.WithComponent("supervisor").Info("stopped " + e.name)
	}
	return firstErr
}

// IsRunning reports whether Start has completed successfully and Stop has
// not yet been called.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

package supervisor

import (
	"context"

	"github.com/regulens/compliance-core/internal/domain"
)

// pollerService adapts *poller.Poller's (ctx, sources) Start / error-less
// Stop to the Service contract.
type pollerService struct {
	sources []domain.RegulatorySource
	starter interface {
		Start(ctx context.Context, sources []domain.RegulatorySource) error
	}
	stopper interface{ Stop() }
}

// NewPollerService wraps a Poller for registration with a Supervisor.
func NewPollerService(sources []domain.RegulatorySource, p interface {
	Start(ctx context.Context, sources []domain.RegulatorySource) error
	Stop()
}) Service {
	return &pollerService{sources: sources, starter: p, stopper: p}
}

func (p *pollerService) Start(ctx context.Context) error { return p.starter.Start(ctx, p.sources) }
func (p *pollerService) Stop() error                     { p.stopper.Stop(); return nil }

// errorlessService adapts any component whose Start(ctx) error / Stop()
// pair already matches except for Stop returning no error.
type errorlessService struct {
	starter interface{ Start(ctx context.Context) error }
	stopper interface{ Stop() }
}

// NewErrorlessService wraps a component with Start(ctx) error and a
// no-return Stop() (e.g. the Scheduler) for registration with a Supervisor.
func NewErrorlessService(svc interface {
	Start(ctx context.Context) error
	Stop()
}) Service {
	return &errorlessService{starter: svc, stopper: svc}
}

func (e *errorlessService) Start(ctx context.Context) error { return e.starter.Start(ctx) }
func (e *errorlessService) Stop() error                     { e.stopper.Stop(); return nil }

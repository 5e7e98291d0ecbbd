package supervisor

import (
	"context"

	"github.com/media-service/dubbing-worker/internal/worker"
)

// WorkerFactory builds a fresh Worker for one Run attempt. A Worker's
// events channel and closeOnce are single-use (Cleanup closes the
// channel), so a restart must construct a new instance rather than
// reuse the failed one.
type WorkerFactory func() *worker.Worker

// WorkerService adapts a stream's Worker lifecycle to the Service
// interface so the Supervisor can restart it on failure.
type WorkerService struct {
	name    string
	factory WorkerFactory
}

// NewWorkerService registers streamID as the service name and factory as
// the per-attempt Worker constructor.
func NewWorkerService(streamID string, factory WorkerFactory) *WorkerService {
	return &WorkerService{name: streamID, factory: factory}
}

func (s *WorkerService) Name() string { return s.name }

// Run builds a fresh Worker, starts it, and blocks until ctx is
// cancelled, then tears it down. The Supervisor calls Run again with a
// new context on restart, which invokes factory again.
func (s *WorkerService) Run(ctx context.Context) error {
	w := s.factory()
	defer w.Cleanup()
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

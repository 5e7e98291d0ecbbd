// Package supervisor provides Erlang/OTP-style supervision for the set of
// per-stream Workers running in one process: automatic restart on
// failure, graceful shutdown with a timeout, dynamic registration, and
// status reporting.
//
// Adapted from tomtom215-lyrebirdaudio-go's internal/supervisor (Service
// interface, ServiceState enum, restart loop), generalized from
// supervising stream-capture Managers to supervising dubbing Workers and
// switched from an io.Writer logger to structured slog.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Service is the interface a supervised unit of work implements. Run
// should block until ctx is cancelled or an unrecoverable error occurs.
type Service interface {
	Run(ctx context.Context) error
	Name() string
}

// State is a supervised service's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Status reports one supervised service's current lifecycle snapshot.
type Status struct {
	Name      string
	State     State
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config configures a Supervisor.
type Config struct {
	ShutdownTimeout time.Duration // default 10s
	RestartDelay    time.Duration // default 1s, brief pause before restart
	Logger          *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout: 10 * time.Second,
		RestartDelay:    time.Second,
	}
}

// Supervisor manages a collection of Services, restarting them on failure
// until the supervisor itself is shut down.
type Supervisor struct {
	cfg Config

	mu       sync.RWMutex
	services map[string]*entry
	running  bool
	wg       sync.WaitGroup

	cancel context.CancelFunc
}

type entry struct {
	service   Service
	state     State
	startTime time.Time
	restarts  int
	lastErr   error
	cancel    context.CancelFunc
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, services: make(map[string]*entry)}
}

// Add registers a service. If the supervisor is already running, the
// service starts immediately. Returns an error if the name is taken.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	e := &entry{service: svc, state: StateIdle}
	s.services[name] = e
	s.cfg.Logger.Info("supervisor: service added", "service", name)

	if s.running {
		s.startLocked(e)
	}
	return nil
}

// Remove unregisters and stops a service.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	e, exists := s.services[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(s.services, name)
	s.mu.Unlock()

	s.cfg.Logger.Info("supervisor: service removed", "service", name)
	return nil
}

// Status returns a snapshot of every registered service.
func (s *Supervisor) Status() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.services))
	now := time.Now()
	for name, e := range s.services {
		var uptime time.Duration
		if !e.startTime.IsZero() && e.state == StateRunning {
			uptime = now.Sub(e.startTime)
		}
		out = append(out, Status{
			Name:      name,
			State:     e.state,
			StartTime: e.startTime,
			Uptime:    uptime,
			Restarts:  e.restarts,
			LastError: e.lastErr,
		})
	}
	return out
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// Run starts every registered service and blocks until ctx is cancelled,
// then stops them all gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, e := range s.services {
		s.startLocked(e)
	}
	count := len(s.services)
	s.mu.Unlock()

	s.cfg.Logger.Info("supervisor: started", "services", count)
	<-runCtx.Done()
	s.cfg.Logger.Info("supervisor: shutdown signal received")
	return s.shutdown()
}

func (s *Supervisor) startLocked(e *entry) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.state = StateRunning
	e.startTime = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(ctx, e)
	}()
}

func (s *Supervisor) runLoop(ctx context.Context, e *entry) {
	for {
		select {
		case <-ctx.Done():
			e.state = StateStopped
			s.cfg.Logger.Info("supervisor: service stopped", "service", e.service.Name())
			return
		default:
		}

		e.state = StateRunning
		e.startTime = time.Now()
		err := e.service.Run(ctx)

		if ctx.Err() != nil {
			e.state = StateStopped
			return
		}

		e.state = StateFailed
		e.lastErr = err
		e.restarts++
		s.cfg.Logger.Error("supervisor: service failed", "service", e.service.Name(), "restarts", e.restarts, "err", err)

		select {
		case <-ctx.Done():
			e.state = StateStopped
			return
		case <-time.After(s.cfg.RestartDelay):
		}
	}
}

func (s *Supervisor) shutdown() error {
	s.mu.Lock()
	for _, e := range s.services {
		if e.cancel != nil {
			e.state = StateStopping
			e.cancel()
		}
	}
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cfg.Logger.Info("supervisor: all services stopped")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		s.cfg.Logger.Warn("supervisor: shutdown timeout exceeded")
		return errors.New("shutdown timeout exceeded")
	}
}

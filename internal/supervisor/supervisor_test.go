package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockService struct {
	name       string
	runCount   atomic.Int32
	shouldFail bool
	failErr    error
	started    chan struct{}
}

func newMockService(name string) *mockService {
	return &mockService{name: name, started: make(chan struct{}, 10)}
}

func (m *mockService) Name() string { return m.name }

func (m *mockService) Run(ctx context.Context) error {
	m.runCount.Add(1)
	m.started <- struct{}{}
	if m.shouldFail {
		return m.failErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestNewAppliesDefaults(t *testing.T) {
	s := New(Config{})
	if s.cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("expected default shutdown timeout, got %v", s.cfg.ShutdownTimeout)
	}
	if s.cfg.RestartDelay != time.Second {
		t.Fatalf("expected default restart delay, got %v", s.cfg.RestartDelay)
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	s := New(DefaultConfig())
	if err := s.Add(newMockService("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Add(newMockService("a")); err == nil {
		t.Fatal("expected error registering duplicate service name")
	}
}

func TestRunStartsRegisteredServices(t *testing.T) {
	s := New(Config{RestartDelay: 10 * time.Millisecond})
	svc := newMockService("a")
	_ = s.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-svc.started:
	case <-time.After(time.Second):
		t.Fatal("expected service to start")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected shutdown error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after cancellation")
	}
}

func TestFailedServiceIsRestarted(t *testing.T) {
	s := New(Config{RestartDelay: 5 * time.Millisecond})
	svc := newMockService("flaky")
	svc.shouldFail = true
	svc.failErr = errors.New("boom")
	_ = s.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-svc.started:
		case <-time.After(time.Second):
			t.Fatalf("expected restart attempt %d", i+1)
		}
	}

	statuses := s.Status()
	if len(statuses) != 1 {
		t.Fatalf("expected one status entry, got %d", len(statuses))
	}
	if statuses[0].Restarts < 2 {
		t.Fatalf("expected at least 2 recorded restarts, got %d", statuses[0].Restarts)
	}
}

func TestRunRejectsDoubleStart(t *testing.T) {
	s := New(Config{RestartDelay: 10 * time.Millisecond})
	_ = s.Add(newMockService("a"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected error starting an already-running supervisor")
	}
}

func TestRemoveStopsService(t *testing.T) {
	s := New(Config{RestartDelay: 10 * time.Millisecond})
	svc := newMockService("a")
	_ = s.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	<-svc.started

	if err := s.Remove("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ServiceCount() != 0 {
		t.Fatalf("expected 0 services after remove, got %d", s.ServiceCount())
	}
	if err := s.Remove("a"); err == nil {
		t.Fatal("expected error removing an already-removed service")
	}
}

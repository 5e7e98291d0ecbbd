// Package backpressure implements the Backpressure Handler (spec.md §4.7):
// translates inbound STS backpressure signals into a per-worker send-side
// delay, following the teacher's non-blocking-select-with-timeout idiom
// (pkg/orchestrator/managed_stream.go's drainAudioChunks).
package backpressure

import (
	"context"
	"sync"
	"time"
)

// Severity mirrors the STS backpressure payload's severity field.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Action mirrors the STS backpressure payload's action field.
type Action string

const (
	ActionNone     Action = "none"
	ActionSlowDown Action = "slow_down"
	ActionPause    Action = "pause"
)

// Signal is one backpressure payload received from the STS server.
type Signal struct {
	Severity         Severity
	Action           Action
	RecommendedDelay time.Duration // zero means "use default"
}

// Handler is the per-worker backpressure state machine.
type Handler struct {
	mu sync.Mutex

	pauseCap     time.Duration
	defaultDelay time.Duration
	now          func() time.Time

	active       bool
	severity     Severity
	action       Action
	lastSignalAt time.Time
	delay        time.Duration
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithClock overrides the monotonic time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New constructs a Handler. pauseCap is the 30s default cap on a pause
// signal; defaultDelay is the 500ms default slow_down delay when the
// server omits RecommendedDelay.
func New(pauseCap, defaultDelay time.Duration, opts ...Option) *Handler {
	h := &Handler{
		pauseCap:     pauseCap,
		defaultDelay: defaultDelay,
		now:          time.Now,
		severity:     SeverityNone,
		action:       ActionNone,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle applies an inbound backpressure signal.
func (h *Handler) Handle(sig Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.severity = sig.Severity
	h.action = sig.Action
	h.lastSignalAt = h.now()

	switch sig.Action {
	case ActionPause:
		h.active = true
		h.delay = 0
	case ActionSlowDown:
		h.active = false
		if sig.RecommendedDelay > 0 {
			h.delay = sig.RecommendedDelay
		} else {
			h.delay = h.defaultDelay
		}
	default: // none, or low severity clears
		if sig.Severity == SeverityNone || sig.Severity == SeverityLow {
			h.active = false
			h.delay = 0
		}
	}
}

// WaitAndDelay blocks (respecting ctx) per the current backpressure state:
// on an active pause it waits for a clearing signal or the pause cap,
// returning false if the cap expires (the caller must fall back to
// original audio). On slow_down it sleeps the configured delay then
// returns true. Otherwise it returns true immediately.
func (h *Handler) WaitAndDelay(ctx context.Context) bool {
	h.mu.Lock()
	active := h.active
	delay := h.delay
	h.mu.Unlock()

	if active {
		return h.waitForClear(ctx)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (h *Handler) waitForClear(ctx context.Context) bool {
	deadline := h.now().Add(h.pauseCap)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		h.mu.Lock()
		stillActive := h.active
		h.mu.Unlock()
		if !stillActive {
			return true
		}
		if !h.now().Before(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Reset clears all state.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = false
	h.severity = SeverityNone
	h.action = ActionNone
	h.delay = 0
}

// Active reports whether a pause is currently in effect.
func (h *Handler) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

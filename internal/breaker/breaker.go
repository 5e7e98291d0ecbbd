// Package breaker implements the STS circuit breaker (spec.md §4.6).
//
// State transitions and retryable/non-retryable code classification are
// grounded on original_source's test_models_state.py — the breaker's own
// .py source was filtered from the retrieval pack, so its exact semantics
// are reverse-engineered from that test file's assertions.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's numeric gauge value (spec.md §4.6, §6.4).
type State int

const (
	Closed   State = 0
	HalfOpen State = 1
	Open     State = 2
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// retryable codes per spec.md §4.6; anything not in the non-retryable set
// (including unknown codes and the empty string) is treated as retryable.
var nonRetryable = map[string]bool{
	"INVALID_CONFIG":   true,
	"INVALID_SEQUENCE": true,
	"STREAM_NOT_FOUND": true,
	"FRAGMENT_TOO_LARGE": true,
}

// IsRetryable reports whether code counts toward the breaker's failure
// counter. Unclassified/unknown codes, and a per-fragment timeout
// represented as the empty code, are retryable (spec.md §9 Open Question 2).
func IsRetryable(code string) bool {
	return !nonRetryable[code]
}

// Breaker is the per-worker circuit breaker. Zero value is not usable; use New.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time

	state           State
	failureCount    int
	lastFailureTime time.Time
	totalFallbacks  int64
}

// Option configures a Breaker at construction.
type Option func(*Breaker)

// WithClock overrides the monotonic time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New constructs a closed Breaker with the given failure threshold and
// cooldown duration (spec.md defaults: 5 and 30s).
func New(failureThreshold int, cooldown time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
		state:            Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// checkCooldown transitions open->half_open once the cooldown has elapsed.
// Caller must hold mu.
func (b *Breaker) checkCooldown() {
	if b.state == Open && b.now().Sub(b.lastFailureTime) >= b.cooldown {
		b.state = HalfOpen
	}
}

// ShouldAllowRequest reports whether a request may proceed: true when
// closed or half_open (a probe), false when open. Every denied call while
// open increments the fallback counter.
func (b *Breaker) ShouldAllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkCooldown()
	if b.state == Open {
		b.totalFallbacks++
		return false
	}
	return true
}

// RecordFailure records a failure identified by its STS error code. Only
// retryable codes increment the failure counter or change state.
func (b *Breaker) RecordFailure(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkCooldown()

	if !IsRetryable(code) {
		return
	}

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = Open
			b.lastFailureTime = b.now()
		}
	case HalfOpen:
		b.state = Open
		b.lastFailureTime = b.now()
	case Open:
		b.lastFailureTime = b.now()
	}
}

// RecordSuccess reports a successful response. In half_open it closes the
// breaker and resets the failure counter; in closed it resets the counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkCooldown()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failureCount = 0
	case Closed:
		b.failureCount = 0
	}
}

// SendFunc performs the actual STS send and reports whether it succeeded
// and, on failure, the STS error code observed.
type SendFunc func() (ok bool, code string, err error)

// ExecuteWithFallback runs send only if the breaker currently allows
// requests, reporting the result back to the breaker. It returns
// (false, nil) without invoking send when the breaker denies the request —
// the caller must fall back to original audio in that case.
func (b *Breaker) ExecuteWithFallback(send SendFunc) (attempted bool, err error) {
	if !b.ShouldAllowRequest() {
		return false, nil
	}

	ok, code, sendErr := send()
	if ok {
		b.RecordSuccess()
	} else {
		b.RecordFailure(code)
	}
	return true, sendErr
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkCooldown()
	return b.state
}

// FailureCount returns the current consecutive-failure counter.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// TotalFallbacks returns the cumulative count of requests denied while open.
func (b *Breaker) TotalFallbacks() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalFallbacks
}

// Reset returns the breaker to its initial closed state. Used on operator
// reset or worker reset.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
}

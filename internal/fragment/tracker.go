// Package fragment implements the Fragment Tracker (spec.md §4.6): the
// in-flight fragment-id -> record map enforcing max_inflight and
// per-fragment timeouts.
package fragment

import (
	"sync"
	"time"

	"github.com/media-service/dubbing-worker/internal/model"
	"github.com/media-service/dubbing-worker/internal/wderr"
)

// TimeoutFunc is invoked when a tracked fragment's deadline passes without
// a Complete call. It receives the full record so the caller can fall
// back to the record's original segment.
type TimeoutFunc func(rec model.InFlightFragment)

// Tracker maintains the in-flight fragment table for one worker.
type Tracker struct {
	mu          sync.Mutex
	maxInflight int
	timeout     time.Duration
	now         func() time.Time
	onTimeout   TimeoutFunc

	records map[string]model.InFlightFragment
	timers  map[string]*time.Timer
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithClock overrides the monotonic time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New constructs a Tracker with the given max_inflight cap, per-fragment
// timeout, and a callback invoked when a fragment's timeout elapses.
func New(maxInflight int, timeout time.Duration, onTimeout TimeoutFunc, opts ...Option) *Tracker {
	t := &Tracker{
		maxInflight: maxInflight,
		timeout:     timeout,
		now:         time.Now,
		onTimeout:   onTimeout,
		records:     make(map[string]model.InFlightFragment),
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ErrTooManyInflight describes the max_inflight rejection for callers that
// need an error value; Track itself reports it by returning false.
var ErrTooManyInflight = wderr.New(wderr.PipelineMalfunction, "fragment.track", nil)

// Track inserts a new in-flight record and schedules its timeout. The
// caller is responsible for checking InflightCount against max_inflight
// (via the backpressure/breaker path) before calling Track; Track itself
// still enforces the cap defensively.
func (t *Tracker) Track(seg model.AudioSegment, sequenceNumber int64) (model.InFlightFragment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) >= t.maxInflight {
		return model.InFlightFragment{}, false
	}

	now := t.now()
	rec := model.InFlightFragment{
		FragmentID:     seg.FragmentID,
		Segment:        seg,
		SentAt:         now,
		SequenceNumber: sequenceNumber,
		Deadline:       now.Add(t.timeout),
	}
	t.records[rec.FragmentID] = rec

	if t.onTimeout != nil {
		id := rec.FragmentID
		t.timers[id] = time.AfterFunc(t.timeout, func() {
			if timedOut, stillPending := t.Complete(id); stillPending {
				t.onTimeout(timedOut)
			}
		})
	}

	return rec, true
}

// Complete removes and returns the record for fragmentID. The second
// return value is false if the id was unknown (already completed, timed
// out, or never tracked) — callers should log this at warning per
// spec.md §4.6.
func (t *Tracker) Complete(fragmentID string) (model.InFlightFragment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[fragmentID]
	if !ok {
		return model.InFlightFragment{}, false
	}
	delete(t.records, fragmentID)
	if timer, ok := t.timers[fragmentID]; ok {
		timer.Stop()
		delete(t.timers, fragmentID)
	}
	return rec, true
}

// InflightCount returns the current number of tracked fragments.
func (t *Tracker) InflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Clear cancels all pending timeouts and empties the table (used at
// stream end).
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.records = make(map[string]model.InFlightFragment)
	t.timers = make(map[string]*time.Timer)
}

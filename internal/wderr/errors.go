// Package wderr defines the dubbing worker's error taxonomy.
//
// Components return a *Error wrapping one of the Kind constants so callers
// can branch on recovery policy (restart, fallback, terminate) without
// parsing messages.
package wderr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by its recovery policy, not by which
// component raised it.
type Kind int

const (
	// IngestTransient covers demuxer resets and codec negotiation blips;
	// the worker reports it as a pipeline_failure event and does not
	// restart ingest.
	IngestTransient Kind = iota
	// IngestFatal covers an invalid URL or a missing codec; the worker
	// terminates cleanly.
	IngestFatal
	// STSTransient covers TIMEOUT, MODEL_ERROR, GPU_OOM, QUEUE_FULL,
	// RATE_LIMIT and unclassified codes; counted by the circuit breaker,
	// segment falls back to original audio.
	STSTransient
	// STSFatal covers INVALID_CONFIG, INVALID_SEQUENCE, STREAM_NOT_FOUND,
	// FRAGMENT_TOO_LARGE; segment falls back without opening the breaker.
	STSFatal
	// PipelineMalfunction covers missing RMS samples, ten consecutive
	// invalid RMS samples, or a repeatedly crashing output publisher; the
	// worker terminates after bounded retries.
	PipelineMalfunction
	// BackpressurePauseExpired fires when a pause signal outlasts the cap;
	// the current segment falls back and the worker continues.
	BackpressurePauseExpired
	// WriteMuxFailure covers disk-full or non-zero muxer exit; surfaced to
	// the caller and counted.
	WriteMuxFailure
)

func (k Kind) String() string {
	switch k {
	case IngestTransient:
		return "ingest_transient"
	case IngestFatal:
		return "ingest_fatal"
	case STSTransient:
		return "sts_transient"
	case STSFatal:
		return "sts_fatal"
	case PipelineMalfunction:
		return "pipeline_malfunction"
	case BackpressurePauseExpired:
		return "backpressure_pause_expired"
	case WriteMuxFailure:
		return "write_mux_failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Fatal reports whether errors of this kind should bubble up and stop the
// worker, as opposed to being handled inline by the run loop.
func (k Kind) Fatal() bool {
	switch k {
	case IngestFatal, PipelineMalfunction:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a Kind.
type Error struct {
	Kind  Kind
	Op    string // component/operation that raised it, e.g. "ingest.build"
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a *Error for the given kind, op, and underlying cause.
// Cause may be nil.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel errors for conditions that are not part of the Kind taxonomy
// but still need stable identity for callers to check with errors.Is.
var (
	ErrNotConnected    = errors.New("sts client: not connected")
	ErrStreamNotReady  = errors.New("sts client: stream not ready")
	ErrUnknownFragment = errors.New("fragment tracker: unknown fragment id")
	ErrTimedOut        = errors.New("operation timed out")
)

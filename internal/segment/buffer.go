// Package segment implements the Segment Buffer (spec.md §4.2) and the
// Segment Writers (spec.md §4.4).
package segment

import (
	"github.com/google/uuid"
)

// trackState is the per-track {idle, accumulating, emitting} machine;
// "emitting" is folded into the emit call itself (it is not separately
// observable) so only idle/accumulating are tracked here.
type trackState int

const (
	idle trackState = iota
	accumulating
)

// Emitted carries one emitted segment's raw concatenated payload plus its
// timing and batch number, track-agnostic (the caller knows whether this
// is the video or audio track).
type Emitted struct {
	FragmentID  string
	BatchNumber int64
	StartPTS    int64
	Duration    int64
	Payload     []byte
}

// Buffer accumulates frames into target-duration segments (spec.md §4.2).
// One Buffer instance per track (video, or audio when VAD is disabled).
type Buffer struct {
	targetNanos  int64
	minPartialNs int64

	state       trackState
	batch       int64
	haveStart   bool
	startPTS    int64
	duration    int64
	payload     []byte
}

// New constructs a Buffer for one track.
func New(targetNanos, minPartialNanos int64) *Buffer {
	return &Buffer{targetNanos: targetNanos, minPartialNs: minPartialNanos, state: idle}
}

// Push accumulates one frame. It returns an Emitted segment, true if
// accumulation reached the target duration.
func (b *Buffer) Push(data []byte, ptsNanos, durationNanos int64) (Emitted, bool) {
	if !b.haveStart {
		b.startPTS = ptsNanos
		b.haveStart = true
	}
	b.state = accumulating
	b.payload = append(b.payload, data...)
	b.duration += durationNanos

	if b.duration >= b.targetNanos {
		return b.emit(), true
	}
	return Emitted{}, false
}

func (b *Buffer) emit() Emitted {
	e := Emitted{
		FragmentID:  uuid.NewString(),
		BatchNumber: b.batch,
		StartPTS:    b.startPTS,
		Duration:    b.duration,
		Payload:     b.payload,
	}
	b.batch++
	b.payload = nil
	b.haveStart = false
	b.duration = 0
	b.state = idle
	return e
}

// Flush emits a residual accumulation at end-of-stream. Per spec.md §4.2,
// anything shorter than minPartialNanos (1s default) is discarded;
// anything between the minimum and the target is emitted as a partial
// segment.
func (b *Buffer) Flush() (Emitted, bool) {
	if b.duration < b.minPartialNs {
		b.payload = nil
		b.haveStart = false
		b.duration = 0
		b.state = idle
		return Emitted{}, false
	}
	return b.emit(), true
}

// NextBatchNumber returns the batch number the next emission will use.
func (b *Buffer) NextBatchNumber() int64 { return b.batch }

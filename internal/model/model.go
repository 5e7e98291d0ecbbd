// Package model holds the per-stream data model shared by every component
// of the dubbing worker: stream identity, segments, in-flight fragments,
// and the sync/breaker/backpressure state machines' plain data.
package model

import (
	"fmt"
	"regexp"
	"time"
)

var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// StreamIdentity is immutable for the life of a worker.
type StreamIdentity struct {
	StreamID           string
	InputURL           string
	OutputURL          string
	STSURL             string
	SourceLanguage     string
	TargetLanguage     string
	VoiceProfile       string
	SegmentTargetNanos int64
}

// Validate checks the invariants spec.md §3 places on Stream Identity.
func (s StreamIdentity) Validate() error {
	if !streamIDPattern.MatchString(s.StreamID) {
		return fmt.Errorf("stream id %q does not match [A-Za-z0-9_-]+", s.StreamID)
	}
	if s.InputURL == "" || s.OutputURL == "" || s.STSURL == "" {
		return fmt.Errorf("stream %s: input/output/sts URLs must be nonempty", s.StreamID)
	}
	return nil
}

// WorkerConfig is the per-worker configuration, constructed in-process by
// whatever orchestrator owns the worker (CLI bootstrap is out of scope).
type WorkerConfig struct {
	Identity StreamIdentity

	// Segmentation
	UseVAD                bool
	VAD                   VADConfig
	MinPartialSegmentNanos int64 // 1s default, spec.md §4.2

	// STS
	STSInitTimeout    time.Duration
	FragmentTimeout   time.Duration
	MaxInflight       int
	ReconnectAttempts int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	AudioSampleRateHz int // demuxed PCM sample rate, also declared to STS
	AudioChannels     int

	// Circuit breaker
	FailureThreshold int
	CooldownDuration time.Duration

	// Backpressure
	BackpressureTimeout time.Duration
	DefaultSlowDownWait time.Duration

	// A/V sync
	AVOffsetNanos    int64
	DriftThreshold   int64
	SlewRateNanos    int64
	MaxSyncBufferLen int

	// Output
	AtempoToleranceNanos int64
	MaxOutputRestarts    int

	// Worker runner
	QueueCapacity int
	RunLoopTick   time.Duration
}

// DefaultWorkerConfig returns spec.md's defaults for everything not tied to
// a specific stream's identity.
func DefaultWorkerConfig(identity StreamIdentity) WorkerConfig {
	return WorkerConfig{
		Identity:               identity,
		UseVAD:                 true,
		VAD:                    DefaultVADConfig(),
		MinPartialSegmentNanos: int64(time.Second),

		STSInitTimeout:    10 * time.Second,
		FragmentTimeout:   8 * time.Second,
		MaxInflight:       3,
		ReconnectAttempts: 5,
		ReconnectInitial:  time.Second,
		ReconnectMax:      30 * time.Second,
		AudioSampleRateHz: 48000,
		AudioChannels:     2,

		FailureThreshold: 5,
		CooldownDuration: 30 * time.Second,

		BackpressureTimeout: 30 * time.Second,
		DefaultSlowDownWait: 500 * time.Millisecond,

		AVOffsetNanos:    int64(6 * time.Second),
		DriftThreshold:   int64(120 * time.Millisecond),
		SlewRateNanos:    int64(10 * time.Millisecond),
		MaxSyncBufferLen: 10,

		AtempoToleranceNanos: int64(100 * time.Millisecond),
		MaxOutputRestarts:    3,

		QueueCapacity: 10,
		RunLoopTick:   50 * time.Millisecond,
	}
}

// VADConfig holds the VAD Audio Segmenter's bounded parameters (spec.md §4.3).
type VADConfig struct {
	SilenceThresholdDB  float64
	SilenceDuration     time.Duration
	MinSegmentDuration  time.Duration
	MaxSegmentDuration  time.Duration
	LevelInterval       time.Duration
	MemoryLimitBytes    int
}

// DefaultVADConfig returns reasonable values within each parameter's
// documented range.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SilenceThresholdDB: -40.0,
		SilenceDuration:    500 * time.Millisecond,
		MinSegmentDuration: time.Second,
		MaxSegmentDuration: 30 * time.Second,
		LevelInterval:      100 * time.Millisecond,
		MemoryLimitBytes:   10 << 20,
	}
}

// VideoSegment is one batch-numbered window of demuxed video.
type VideoSegment struct {
	FragmentID  string
	StreamID    string
	BatchNumber int64
	StartPTS    int64
	Duration    int64
	FilePath    string
	SizeBytes   int64
}

// AudioSegment is one batch-numbered window of demuxed (or dubbed) audio.
type AudioSegment struct {
	FragmentID    string
	StreamID      string
	BatchNumber   int64
	StartPTS      int64
	Duration      int64
	FilePath      string
	SizeBytes     int64
	IsDubbed      bool
	DubbedPath    string
	EmitTrigger   string // "duration", "silence", "max_duration", "memory_limit", "eos"
}

// FallbackID derives the fragment id used for a fallback (original-audio)
// counterpart of this segment, per spec.md §3 relationships.
func (a AudioSegment) FallbackID() string {
	return a.FragmentID + "_fallback"
}

// InFlightFragment tracks one fragment between send and terminal reply.
type InFlightFragment struct {
	FragmentID     string
	Segment        AudioSegment
	SentAt         time.Time
	SequenceNumber int64
	Deadline       time.Time
}

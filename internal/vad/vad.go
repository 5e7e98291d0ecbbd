// Package vad implements the VAD Audio Segmenter (spec.md §4.3): an
// alternative to fixed-duration segmentation that cuts audio segments at
// natural silence boundaries.
//
// State machine, thresholds, and emission-trigger semantics are grounded on
// original_source's vad/vad_audio_segmenter.py, merged with the teacher's
// RMS-over-PCM16 calculation style (pkg/orchestrator/vad.go's RMSVAD).
package vad

import (
	"math"
	"time"

	"github.com/media-service/dubbing-worker/internal/model"
	"github.com/media-service/dubbing-worker/internal/wderr"
)

// state is the segmenter's two-state machine.
type state int

const (
	accumulating state = iota
	inSilence
)

const (
	maxConsecutiveInvalidRMS = 10
	levelTimeout             = 5 * time.Second
)

// OnSegmentReady is invoked with a completed segment's raw bytes, its
// start PTS, duration, and the trigger that caused emission ("silence",
// "max_duration", "memory_limit", or "eos").
type OnSegmentReady func(data []byte, startPTSNanos, durationNanos int64, trigger string)

// Segmenter implements the ACCUMULATING/IN_SILENCE state machine described
// in spec.md §4.3.
type Segmenter struct {
	cfg     model.VADConfig
	onReady OnSegmentReady
	now     func() time.Time

	accumulator []byte
	haveT0      bool
	t0Nanos     int64
	durationNs  int64

	st                  state
	silenceStartNanos   int64
	haveSilenceStart    bool
	consecutiveInvalid  int
	lastLevelAtNanos    int64
	haveLastLevel       bool

	// metrics counters, exposed for observability wiring
	SilenceDetections   int64
	ForcedEmissions     int64
	MinDurationViolations int64
	MemoryLimitEmissions int64
}

// New constructs a Segmenter. onReady is called synchronously from
// OnAudioBuffer/OnLevel/Flush whenever a segment is emitted.
func New(cfg model.VADConfig, onReady OnSegmentReady) *Segmenter {
	return &Segmenter{
		cfg:     cfg,
		onReady: onReady,
		now:     time.Now,
		st:      accumulating,
	}
}

// OnAudioBuffer accumulates one demuxed audio buffer. pts is the buffer's
// presentation timestamp in nanoseconds (only the first buffer's PTS is
// kept as the segment's start); durationNanos is this buffer's duration.
func (s *Segmenter) OnAudioBuffer(data []byte, ptsNanos, durationNanos int64) {
	if !s.haveT0 {
		s.t0Nanos = ptsNanos
		s.haveT0 = true
	}
	s.accumulator = append(s.accumulator, data...)
	s.durationNs += durationNanos

	if len(s.accumulator) >= s.cfg.MemoryLimitBytes {
		s.MemoryLimitEmissions++
		s.emit("memory_limit")
		return
	}

	if s.durationNs >= int64(s.cfg.MaxSegmentDuration) {
		s.ForcedEmissions++
		s.emit("max_duration")
	}
}

// OnLevel reports one RMS level sample (dB) at the given running time.
// Returns a *wderr.Error(PipelineMalfunction) if the sample is out of
// range ten times consecutively, or never (nil) otherwise.
func (s *Segmenter) OnLevel(rmsDB float64, timestampNanos int64) error {
	s.lastLevelAtNanos = timestampNanos
	s.haveLastLevel = true

	if rmsDB > 0.0 || rmsDB < -100.0 {
		s.consecutiveInvalid++
		if s.consecutiveInvalid >= maxConsecutiveInvalidRMS {
			return wderr.New(wderr.PipelineMalfunction, "vad.on_level", nil)
		}
		return nil
	}
	s.consecutiveInvalid = 0

	isSilence := rmsDB < s.cfg.SilenceThresholdDB
	if isSilence {
		s.handleSilence(timestampNanos)
	} else {
		s.handleSpeech()
	}
	return nil
}

func (s *Segmenter) handleSilence(timestampNanos int64) {
	if s.st == accumulating {
		s.st = inSilence
		s.silenceStartNanos = timestampNanos
		s.haveSilenceStart = true
		return
	}

	sustained := timestampNanos-s.silenceStartNanos >= int64(s.cfg.SilenceDuration)
	longEnough := s.durationNs >= int64(s.cfg.MinSegmentDuration)
	if sustained && longEnough {
		s.SilenceDetections++
		s.emit("silence")
	} else if sustained {
		s.MinDurationViolations++
	}
}

func (s *Segmenter) handleSpeech() {
	if s.st == inSilence {
		s.st = accumulating
		s.haveSilenceStart = false
	}
}

// CheckLevelTimeout returns a PipelineMalfunction error if more than 5s has
// elapsed since the last OnLevel call while the ingest is presumed live.
// No-op until at least one OnLevel has been observed.
func (s *Segmenter) CheckLevelTimeout(currentTimeNanos int64) error {
	if !s.haveLastLevel {
		return nil
	}
	if currentTimeNanos-s.lastLevelAtNanos > int64(levelTimeout) {
		return wderr.New(wderr.PipelineMalfunction, "vad.level_timeout", nil)
	}
	return nil
}

// Flush emits a final segment on end-of-stream if it meets the minimum
// duration (trigger "eos"); otherwise the residual accumulation is
// silently discarded.
func (s *Segmenter) Flush() {
	if s.durationNs >= int64(s.cfg.MinSegmentDuration) {
		s.emit("eos")
	} else {
		s.resetAccumulator()
	}
}

func (s *Segmenter) emit(trigger string) {
	if len(s.accumulator) == 0 {
		return
	}
	data := s.accumulator
	t0 := s.t0Nanos
	duration := s.durationNs
	s.resetAccumulator()
	if s.onReady != nil {
		s.onReady(data, t0, duration, trigger)
	}
}

func (s *Segmenter) resetAccumulator() {
	s.accumulator = nil
	s.haveT0 = false
	s.t0Nanos = 0
	s.durationNs = 0
}

// CalculateRMS computes RMS-in-dB over a buffer of signed 16-bit
// little-endian PCM samples, matching the teacher's RMSVAD calculation.
func CalculateRMS(pcm16 []byte) float64 {
	if len(pcm16) < 2 {
		return -100.0
	}
	n := len(pcm16) / 2
	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := int16(pcm16[2*i]) | int16(pcm16[2*i+1])<<8
		f := float64(sample) / 32768.0
		sumSquares += f * f
	}
	rms := math.Sqrt(sumSquares / float64(n))
	if rms <= 0 {
		return -100.0
	}
	db := 20 * math.Log10(rms)
	if db < -100.0 {
		return -100.0
	}
	return db
}

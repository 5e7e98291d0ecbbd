package vad

import (
	"testing"
	"time"

	"github.com/media-service/dubbing-worker/internal/model"
)

func cfg() model.VADConfig {
	return model.VADConfig{
		SilenceThresholdDB: -40,
		SilenceDuration:    500 * time.Millisecond,
		MinSegmentDuration: time.Second,
		MaxSegmentDuration: 10 * time.Second,
		LevelInterval:      100 * time.Millisecond,
		MemoryLimitBytes:   1 << 20,
	}
}

func TestEmitsOnSustainedSilenceAboveMinDuration(t *testing.T) {
	var emitted []string
	s := New(cfg(), func(data []byte, t0, dur int64, trigger string) {
		emitted = append(emitted, trigger)
	})

	s.OnAudioBuffer(make([]byte, 100), 0, int64(2*time.Second))
	s.OnLevel(-20, 0)                                 // speech
	s.OnLevel(-50, int64(600*time.Millisecond))        // silence starts
	s.OnLevel(-50, int64(1200*time.Millisecond))       // sustained >= 500ms, duration >= 1s

	if len(emitted) != 1 || emitted[0] != "silence" {
		t.Fatalf("expected one silence emission, got %v", emitted)
	}
}

func TestNoEmissionBelowMinDuration(t *testing.T) {
	var emitted []string
	c := cfg()
	c.MinSegmentDuration = 5 * time.Second
	s := New(c, func(data []byte, t0, dur int64, trigger string) {
		emitted = append(emitted, trigger)
	})
	s.OnAudioBuffer(make([]byte, 10), 0, int64(time.Second))
	s.OnLevel(-50, 0)
	s.OnLevel(-50, int64(time.Second))
	if len(emitted) != 0 {
		t.Fatalf("expected no emission below min duration, got %v", emitted)
	}
	if s.MinDurationViolations == 0 {
		t.Fatal("expected a min-duration violation to be counted")
	}
}

func TestMaxDurationForcesEmission(t *testing.T) {
	var emitted []string
	s := New(cfg(), func(data []byte, t0, dur int64, trigger string) {
		emitted = append(emitted, trigger)
	})
	s.OnAudioBuffer(make([]byte, 10), 0, int64(11*time.Second))
	if len(emitted) != 1 || emitted[0] != "max_duration" {
		t.Fatalf("expected forced max_duration emission, got %v", emitted)
	}
}

func TestMemoryLimitForcesEmission(t *testing.T) {
	var emitted []string
	c := cfg()
	c.MemoryLimitBytes = 50
	s := New(c, func(data []byte, t0, dur int64, trigger string) {
		emitted = append(emitted, trigger)
	})
	s.OnAudioBuffer(make([]byte, 100), 0, int64(time.Second))
	if len(emitted) != 1 || emitted[0] != "memory_limit" {
		t.Fatalf("expected memory_limit emission, got %v", emitted)
	}
}

func TestTenConsecutiveInvalidRMSIsFatal(t *testing.T) {
	s := New(cfg(), nil)
	var err error
	for i := 0; i < 10; i++ {
		err = s.OnLevel(5.0, int64(i)*int64(time.Second)) // >0 dB invalid
	}
	if err == nil {
		t.Fatal("expected PipelineMalfunction after 10 consecutive invalid samples")
	}
}

func TestValidSampleResetsInvalidCounter(t *testing.T) {
	s := New(cfg(), nil)
	for i := 0; i < 9; i++ {
		s.OnLevel(5.0, 0)
	}
	s.OnLevel(-50, 0) // valid, resets counter
	var err error
	for i := 0; i < 9; i++ {
		err = s.OnLevel(5.0, 0)
	}
	if err != nil {
		t.Fatal("counter should have reset after a valid sample")
	}
}

func TestFlushEmitsEOSAboveMinDuration(t *testing.T) {
	var emitted []string
	s := New(cfg(), func(data []byte, t0, dur int64, trigger string) {
		emitted = append(emitted, trigger)
	})
	s.OnAudioBuffer(make([]byte, 10), 0, int64(2*time.Second))
	s.Flush()
	if len(emitted) != 1 || emitted[0] != "eos" {
		t.Fatalf("expected eos emission, got %v", emitted)
	}
}

func TestFlushDiscardsBelowMinDuration(t *testing.T) {
	var emitted []string
	s := New(cfg(), func(data []byte, t0, dur int64, trigger string) {
		emitted = append(emitted, trigger)
	})
	s.OnAudioBuffer(make([]byte, 10), 0, int64(100*time.Millisecond))
	s.Flush()
	if len(emitted) != 0 {
		t.Fatalf("expected residual to be discarded, got %v", emitted)
	}
}

func TestLevelTimeoutNoOpBeforeFirstSample(t *testing.T) {
	s := New(cfg(), nil)
	if err := s.CheckLevelTimeout(int64(time.Hour)); err != nil {
		t.Fatal("expected no-op before any level sample observed")
	}
}

func TestLevelTimeoutFiresAfterFiveSeconds(t *testing.T) {
	s := New(cfg(), nil)
	s.OnLevel(-50, 0)
	if err := s.CheckLevelTimeout(int64(5*time.Second) + 1); err == nil {
		t.Fatal("expected timeout after 5s with no new level sample")
	}
}

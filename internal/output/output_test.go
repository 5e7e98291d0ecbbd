package output

import (
	"context"
	"testing"
	"time"
)

func TestPushAudioWithoutVideoReturnsFalse(t *testing.T) {
	p := &Pipeline{cfg: Config{FFmpegPath: "ffmpeg", OutputURL: "rtmp://example.invalid/live"}, state: StateNull}
	ok, err := p.PushAudio(context.Background(), []byte("a"), 0, int64(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected false when no video was pushed first")
	}
}

func TestPushVideoThenPushAudioClearsStoredVideo(t *testing.T) {
	p := &Pipeline{cfg: Config{FFmpegPath: "ffmpeg", OutputURL: "rtmp://example.invalid/live"}, state: StateNull}
	p.PushVideo([]byte("v"), 0, int64(time.Second))
	if p.video == nil {
		t.Fatal("expected stored video after PushVideo")
	}

	// With no publishing subprocess started, mux+publish will fail but
	// PushAudio must still have consumed the stored video (store-then-mux
	// is a one-shot contract: a second PushAudio without an intervening
	// PushVideo must return false, not reuse stale video).
	p.PushAudio(context.Background(), []byte("a"), 0, int64(time.Second))
	if p.video != nil {
		t.Fatal("expected stored video to be cleared after PushAudio consumes it")
	}
}

func TestAtempoFactorOutOfRangeDropsPair(t *testing.T) {
	// duration gap far exceeds tolerance and the required stretch factor
	// (10x) falls outside [0.5, 2.0], so the pair must be dropped rather
	// than erroring.
	p := &Pipeline{cfg: Config{FFmpegPath: "ffmpeg", OutputURL: "rtmp://example.invalid/live"}, state: StateNull}
	p.PushVideo([]byte("v"), 0, int64(10*time.Second))
	ok, err := p.PushAudio(context.Background(), []byte("a"), 0, int64(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected pair to be dropped when required atempo factor is out of range")
	}
}

func TestStateStringsAreStable(t *testing.T) {
	cases := map[State]string{
		StateNull:    "null",
		StateReady:   "ready",
		StatePlaying: "playing",
		StateError:   "error",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: expected %q, got %q", state, want, got)
		}
	}
}

func TestBuildRejectsEmptyOutputURL(t *testing.T) {
	if _, err := Build(Config{FFmpegPath: "echo"}); err == nil {
		t.Fatal("expected error for empty output url")
	}
}

func TestPublishQueuedResetsRestartsOnSuccess(t *testing.T) {
	// A successful publish must reset the consecutive-restart counter, so
	// that 3 isolated prior restarts (each followed by a success) never
	// trip the "exceeded 3 consecutive restarts" cap.
	p := &Pipeline{cfg: Config{FFmpegPath: "ffmpeg", OutputURL: "rtmp://example.invalid/live"}, state: StateNull}
	p.restarts = maxRestartAttempts
	p.queue = nil
	p.stdin = discardWriteCloser{}

	ok, err := p.publishQueued(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected successful publish with an empty queue")
	}
	if p.restarts != 0 {
		t.Fatalf("expected restarts reset to 0 after a successful publish, got %d", p.restarts)
	}
}

type discardWriteCloser struct{}

func (discardWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriteCloser) Close() error                { return nil }

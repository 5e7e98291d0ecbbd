package worker

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/media-service/dubbing-worker/internal/avsync"
	"github.com/media-service/dubbing-worker/internal/backpressure"
	"github.com/media-service/dubbing-worker/internal/breaker"
	"github.com/media-service/dubbing-worker/internal/fragment"
	"github.com/media-service/dubbing-worker/internal/model"
	"github.com/media-service/dubbing-worker/internal/segment"
	"github.com/media-service/dubbing-worker/internal/sts"
)

func testWorker(t *testing.T) *Worker {
	t.Helper()
	w := &Worker{
		cfg:        model.DefaultWorkerConfig(model.StreamIdentity{StreamID: "s1"}),
		writer:     segment.NewWriter(t.TempDir()),
		breaker:    breaker.New(5, 30*time.Second),
		bp:         backpressure.New(30*time.Second, 500*time.Millisecond),
		sts:        sts.New(sts.Config{URL: "ws://sts", WorkerID: "s1"}),
		videoBuf:   segment.New(int64(time.Second), int64(100*time.Millisecond)),
		audioBuf:   segment.New(int64(time.Second), int64(100*time.Millisecond)),
		videoQueue: make(chan videoItem, 4),
		audioQueue: make(chan model.AudioSegment, 4),
		events:     make(chan Event, 32),
		ctx:        context.Background(),
	}
	w.sync = avsync.New(avsync.Config{
		AVOffsetNanos:  0,
		DriftThreshold: int64(120 * time.Millisecond),
		SlewRateNanos:  int64(10 * time.Millisecond),
		MaxBufferSize:  10,
		OnCorrection: func(deltaMillis float64, adjustmentNanos int64) {
			w.emit("av_sync_correction", AVSyncCorrection{DeltaMillis: deltaMillis, AdjustmentNanos: adjustmentNanos})
		},
	})
	w.tracker = fragment.New(w.cfg.MaxInflight, w.cfg.FragmentTimeout, w.onFragmentTimeout)
	return w
}

func drainEvents(w *Worker) []Event {
	var out []Event
	for {
		select {
		case e := <-w.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestOnVideoFrameEmitsOnTargetDuration(t *testing.T) {
	w := testWorker(t)
	w.onVideoFrame([]byte("frame"), 0, int64(600*time.Millisecond))
	select {
	case <-w.videoQueue:
		t.Fatal("did not expect a queued segment before target duration reached")
	default:
	}

	w.videoQueue = make(chan videoItem, 1)
	w.onVideoFrame([]byte("frame"), int64(600*time.Millisecond), int64(500*time.Millisecond))
	select {
	case item := <-w.videoQueue:
		if item.seg.BatchNumber != 0 {
			t.Fatalf("expected first emitted batch 0, got %d", item.seg.BatchNumber)
		}
	default:
		t.Fatal("expected a queued video segment once target duration is reached")
	}
}

func TestHandleVideoSegmentPairsWithBufferedAudio(t *testing.T) {
	w := testWorker(t)
	audioSeg := model.AudioSegment{FragmentID: "a0", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	w.sync.PushAudio(audioSeg, []byte("audio"))

	videoSeg := model.VideoSegment{FragmentID: "v0", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	w.handleVideoSegment(videoItem{seg: videoSeg, data: []byte("video")})

	events := drainEvents(w)
	found := false
	for _, e := range events {
		if e.Type == "pair_published" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected pair_published event once matching audio was already buffered")
	}
}

func TestFallbackSegmentReadsOriginalAndPairs(t *testing.T) {
	w := testWorker(t)
	seg := model.AudioSegment{StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	written, err := w.writer.Write(seg, []byte("original-audio"))
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	videoSeg := model.VideoSegment{FragmentID: "v0", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	w.sync.PushVideo(videoSeg, []byte("video"))

	w.fallbackSegment(written)

	if w.FallbackCount() != 1 {
		t.Fatalf("expected fallback count 1, got %d", w.FallbackCount())
	}
	events := drainEvents(w)
	var sawFallback, sawPair bool
	for _, e := range events {
		switch e.Type {
		case "segment_fallback":
			sawFallback = true
		case "pair_published":
			sawPair = true
		}
	}
	if !sawFallback || !sawPair {
		t.Fatalf("expected both segment_fallback and pair_published events, got %+v", events)
	}
}

func TestOnFragmentProcessedSuccessDecodesDubbedAudio(t *testing.T) {
	w := testWorker(t)
	seg := model.AudioSegment{FragmentID: "frag-1", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	w.tracker.Track(seg, 0)

	videoSeg := model.VideoSegment{FragmentID: "v0", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	w.sync.PushVideo(videoSeg, []byte("video"))

	dubbed := base64.StdEncoding.EncodeToString([]byte("dubbed-bytes"))
	w.onFragmentProcessed(sts.FragmentProcessed{
		FragmentID: "frag-1",
		Status:     "success",
		DubbedAudio: &sts.DubbedAudio{
			Format:     "m4a",
			DataBase64: dubbed,
		},
	})

	if w.breaker.FailureCount() != 0 {
		t.Fatalf("expected no recorded failures on success, got %d", w.breaker.FailureCount())
	}
	events := drainEvents(w)
	var sawPair bool
	for _, e := range events {
		if e.Type == "pair_published" {
			sawPair = true
			pair, ok := e.Data.(avsync.Pair)
			if !ok {
				t.Fatalf("expected pair_published payload to be avsync.Pair, got %T", e.Data)
			}
			if string(pair.AudioData) != "dubbed-bytes" {
				t.Fatalf("expected decoded dubbed audio bytes in pair, got %q", pair.AudioData)
			}
		}
	}
	if !sawPair {
		t.Fatal("expected pair_published event on successful fragment processing")
	}
}

func TestOnFragmentProcessedFailureFallsBackAndRecordsBreakerFailure(t *testing.T) {
	w := testWorker(t)
	seg := model.AudioSegment{FragmentID: "frag-2", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	written, err := w.writer.Write(seg, []byte("original"))
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	w.tracker.Track(written, 0)

	w.onFragmentProcessed(sts.FragmentProcessed{
		FragmentID: "frag-2",
		Status:     "failed",
		Error:      &sts.FragmentError{Code: "GPU_OOM", Message: "out of memory", Retryable: true},
	})

	if w.breaker.FailureCount() != 1 {
		t.Fatalf("expected one recorded breaker failure, got %d", w.breaker.FailureCount())
	}
	if w.FallbackCount() != 1 {
		t.Fatalf("expected fallback count 1, got %d", w.FallbackCount())
	}
}

func TestOnFragmentProcessedUnknownFragmentIsIgnored(t *testing.T) {
	w := testWorker(t)
	w.onFragmentProcessed(sts.FragmentProcessed{FragmentID: "never-tracked", Status: "success"})
	events := drainEvents(w)
	if len(events) != 1 || events[0].Type != "unknown_fragment_processed" {
		t.Fatalf("expected a single unknown_fragment_processed event, got %+v", events)
	}
}

func TestOnBackpressurePauseThenResumeTogglesHandler(t *testing.T) {
	w := testWorker(t)
	w.onBackpressure(sts.Backpressure{Severity: "high", Action: "pause"})
	if !w.bp.Active() {
		t.Fatal("expected backpressure handler to become active on pause signal")
	}

	w.onBackpressure(sts.Backpressure{Severity: "none", Action: "none"})
	if w.bp.Active() {
		t.Fatal("expected backpressure handler to clear on none/none signal")
	}
}

func TestOnFragmentTimeoutRecordsFailureAndFallsBack(t *testing.T) {
	w := testWorker(t)
	seg := model.AudioSegment{FragmentID: "frag-3", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	written, err := w.writer.Write(seg, []byte("original"))
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	w.onFragmentTimeout(model.InFlightFragment{FragmentID: "frag-3", Segment: written})

	if w.breaker.FailureCount() != 1 {
		t.Fatalf("expected breaker to record the timeout as a failure, got %d", w.breaker.FailureCount())
	}
	if w.FallbackCount() != 1 {
		t.Fatalf("expected fallback count 1, got %d", w.FallbackCount())
	}
	events := drainEvents(w)
	var sawBreakerFailure bool
	for _, e := range events {
		if e.Type == "breaker_failure" {
			sawBreakerFailure = true
		}
	}
	if !sawBreakerFailure {
		t.Fatalf("expected a breaker_failure event on fragment timeout, got %+v", events)
	}
}

func TestOnFragmentProcessedSuccessEmitsFragmentProcessedMetric(t *testing.T) {
	w := testWorker(t)
	seg := model.AudioSegment{FragmentID: "frag-4", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	w.tracker.Track(seg, 0)

	videoSeg := model.VideoSegment{FragmentID: "v0", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	w.sync.PushVideo(videoSeg, []byte("video"))

	dubbed := base64.StdEncoding.EncodeToString([]byte("dubbed-bytes"))
	w.onFragmentProcessed(sts.FragmentProcessed{
		FragmentID:  "frag-4",
		Status:      "success",
		DubbedAudio: &sts.DubbedAudio{Format: "m4a", DataBase64: dubbed},
	})

	events := drainEvents(w)
	var metric FragmentProcessedMetric
	var sawMetric, sawBreakerFailure bool
	for _, e := range events {
		switch e.Type {
		case "fragment_processed":
			sawMetric = true
			metric, _ = e.Data.(FragmentProcessedMetric)
		case "breaker_failure":
			sawBreakerFailure = true
		}
	}
	if !sawMetric {
		t.Fatalf("expected a fragment_processed event, got %+v", events)
	}
	if metric.Status != "success" {
		t.Fatalf("expected fragment_processed status %q, got %q", "success", metric.Status)
	}
	if metric.LatencySeconds < 0 {
		t.Fatalf("expected a non-negative observed latency, got %v", metric.LatencySeconds)
	}
	if sawBreakerFailure {
		t.Fatal("did not expect a breaker_failure event on a successful fragment")
	}
}

func TestOnFragmentProcessedFailureEmitsFragmentProcessedAndBreakerFailure(t *testing.T) {
	w := testWorker(t)
	seg := model.AudioSegment{FragmentID: "frag-5", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	written, err := w.writer.Write(seg, []byte("original"))
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	w.tracker.Track(written, 0)

	w.onFragmentProcessed(sts.FragmentProcessed{
		FragmentID: "frag-5",
		Status:     "failed",
		Error:      &sts.FragmentError{Code: "GPU_OOM", Message: "out of memory", Retryable: true},
	})

	events := drainEvents(w)
	var sawMetric, sawBreakerFailure bool
	var metric FragmentProcessedMetric
	for _, e := range events {
		switch e.Type {
		case "fragment_processed":
			sawMetric = true
			metric, _ = e.Data.(FragmentProcessedMetric)
		case "breaker_failure":
			sawBreakerFailure = true
		}
	}
	if !sawMetric || metric.Status != "failed" {
		t.Fatalf("expected a fragment_processed event with status failed, got %+v", events)
	}
	if !sawBreakerFailure {
		t.Fatalf("expected a breaker_failure event for a retryable error, got %+v", events)
	}
}

func TestHandleAudioSegmentSendFailureEmitsBreakerFailureAndFallsBack(t *testing.T) {
	w := testWorker(t)
	seg := model.AudioSegment{FragmentID: "frag-6", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	written, err := w.writer.Write(seg, []byte("original"))
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	videoSeg := model.VideoSegment{FragmentID: "v0", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	w.sync.PushVideo(videoSeg, []byte("video"))

	w.handleAudioSegment(written)

	if w.breaker.FailureCount() != 1 {
		t.Fatalf("expected a recorded breaker failure on a disconnected STS client, got %d", w.breaker.FailureCount())
	}
	events := drainEvents(w)
	var sawBreakerFailure, sawFallback, sawSent bool
	for _, e := range events {
		switch e.Type {
		case "breaker_failure":
			sawBreakerFailure = true
		case "segment_fallback":
			sawFallback = true
		case "fragment_sent":
			sawSent = true
		}
	}
	if !sawBreakerFailure || !sawFallback {
		t.Fatalf("expected breaker_failure and segment_fallback events, got %+v", events)
	}
	if sawSent {
		t.Fatal("did not expect a fragment_sent event when the STS client is disconnected")
	}
}

func TestFlushPendingSegmentsEmitsResidualVideoAndAudio(t *testing.T) {
	w := testWorker(t)

	if _, ok := w.videoBuf.Push([]byte("video-residual"), 0, int64(300*time.Millisecond)); ok {
		t.Fatal("expected the residual video push to stay below target duration")
	}
	if _, ok := w.audioBuf.Push([]byte("audio-residual"), 0, int64(300*time.Millisecond)); ok {
		t.Fatal("expected the residual audio push to stay below target duration")
	}

	w.flushPendingSegments()

	events := drainEvents(w)
	var sawPair bool
	for _, e := range events {
		if e.Type == "pair_published" {
			sawPair = true
		}
	}
	if !sawPair {
		t.Fatalf("expected the flushed video/audio residuals to pair and publish, got %+v", events)
	}
}

func TestAVSyncCorrectionEmitsEvent(t *testing.T) {
	w := testWorker(t)

	videoSeg := model.VideoSegment{FragmentID: "v0", StreamID: "s1", BatchNumber: 0, StartPTS: 0, Duration: int64(time.Second)}
	w.sync.PushVideo(videoSeg, []byte("video"))

	driftedAudio := model.AudioSegment{FragmentID: "a0", StreamID: "s1", BatchNumber: 0, StartPTS: int64(200 * time.Millisecond), Duration: int64(time.Second)}
	w.sync.PushAudio(driftedAudio, []byte("audio"))

	// createPair invokes OnCorrection from its own goroutine; poll with a
	// generous timeout rather than assuming it has already run.
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-w.events:
			if e.Type == "av_sync_correction" {
				return
			}
		case <-deadline:
			t.Fatal("expected an av_sync_correction event once drift exceeds the threshold")
		}
	}
}

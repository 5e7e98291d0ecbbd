// Package worker implements the Worker Runner (spec.md §4.10): composes
// all per-stream components, routes callbacks through bounded queues, and
// drives the cooperative run loop.
//
// Grounded on pkg/orchestrator/managed_stream.go's bounded events
// channel, closeOnce idempotent shutdown, and interrupt-then-cancel-
// outside-lock pattern, plus original_source's worker/worker_runner.py
// (drain-video/drain-audio/update-gauges/get-ready-pairs run-loop
// sequence at a 50ms tick).
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/media-service/dubbing-worker/internal/avsync"
	"github.com/media-service/dubbing-worker/internal/backpressure"
	"github.com/media-service/dubbing-worker/internal/breaker"
	"github.com/media-service/dubbing-worker/internal/fragment"
	"github.com/media-service/dubbing-worker/internal/ingest"
	"github.com/media-service/dubbing-worker/internal/model"
	"github.com/media-service/dubbing-worker/internal/output"
	"github.com/media-service/dubbing-worker/internal/segment"
	"github.com/media-service/dubbing-worker/internal/sts"
	"github.com/media-service/dubbing-worker/internal/vad"
)

// Event is emitted on the Worker's bounded events channel for
// observability consumers (logging, metrics bridges, test harnesses).
type Event struct {
	Type string
	Data interface{}
}

// FragmentProcessedMetric carries the observability-relevant fields of a
// fragment:processed reply for the "fragment_processed" event: its status
// and the round-trip latency observed from the worker's own send time
// (InFlightFragment.SentAt), not the server-reported processing_time_ms.
type FragmentProcessedMetric struct {
	Status         string
	LatencySeconds float64
}

// AVSyncCorrection carries a slew-correction observation for the
// "av_sync_correction" event.
type AVSyncCorrection struct {
	DeltaMillis     float64
	AdjustmentNanos int64
}

type videoItem struct {
	seg  model.VideoSegment
	data []byte
}

// Worker composes one stream's full pipeline.
type Worker struct {
	cfg    model.WorkerConfig
	logger *slog.Logger

	ingest  *ingest.Pipeline
	output  *output.Pipeline
	sts     *sts.Client
	breaker *breaker.Breaker
	tracker *fragment.Tracker
	bp      *backpressure.Handler
	sync    *avsync.Manager
	writer  *segment.Writer

	videoBuf *segment.Buffer
	audioBuf *segment.Buffer
	vadSeg   *vad.Segmenter

	videoQueue chan videoItem
	audioQueue chan model.AudioSegment
	events     chan Event

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	mu          sync.Mutex
	fallbacks   int64
	lastLevelAt int64
	audioBatch  int64
}

// New constructs a Worker. writer persists audio segments to disk (the
// STS Client reads the file back to upload it); video segments are muxed
// from in-memory buffers and never touch disk.
func New(cfg model.WorkerConfig, logger *slog.Logger, writer *segment.Writer) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		cfg:    cfg,
		logger: logger,
		writer: writer,

		breaker: breaker.New(cfg.FailureThreshold, cfg.CooldownDuration),
		bp:      backpressure.New(cfg.BackpressureTimeout, cfg.DefaultSlowDownWait),

		videoBuf: segment.New(cfg.Identity.SegmentTargetNanos, cfg.MinPartialSegmentNanos),

		videoQueue: make(chan videoItem, cfg.QueueCapacity),
		audioQueue: make(chan model.AudioSegment, cfg.QueueCapacity),
		events:     make(chan Event, cfg.QueueCapacity*4),
	}
	w.sync = avsync.New(avsync.Config{
		AVOffsetNanos:  cfg.AVOffsetNanos,
		DriftThreshold: cfg.DriftThreshold,
		SlewRateNanos:  cfg.SlewRateNanos,
		MaxBufferSize:  cfg.MaxSyncBufferLen,
		OnCorrection: func(deltaMillis float64, adjustmentNanos int64) {
			w.emit("av_sync_correction", AVSyncCorrection{DeltaMillis: deltaMillis, AdjustmentNanos: adjustmentNanos})
		},
	})
	w.sts = sts.New(sts.Config{
		URL:               cfg.Identity.STSURL,
		WorkerID:          cfg.Identity.StreamID,
		InitTimeout:       cfg.STSInitTimeout,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectInitial:  cfg.ReconnectInitial,
		ReconnectMax:      cfg.ReconnectMax,
		SampleRateHz:      cfg.AudioSampleRateHz,
		Channels:          cfg.AudioChannels,
	})
	w.tracker = fragment.New(cfg.MaxInflight, cfg.FragmentTimeout, w.onFragmentTimeout)

	if cfg.UseVAD {
		w.vadSeg = vad.New(cfg.VAD, w.onAudioSegmentReady)
	} else {
		w.audioBuf = segment.New(cfg.Identity.SegmentTargetNanos, cfg.MinPartialSegmentNanos)
	}

	w.sts.OnFragmentProcessed = w.onFragmentProcessed
	w.sts.OnBackpressure = w.onBackpressure
	w.sts.OnError = w.onSTSError
	return w
}

// Events exposes the bounded observability channel.
func (w *Worker) Events() <-chan Event { return w.events }

func (w *Worker) emit(eventType string, data interface{}) {
	select {
	case w.events <- Event{Type: eventType, Data: data}:
	default:
	}
}

// Start connects STS, initializes the stream, builds/starts ingest and
// output, and starts the run loop. It returns once startup succeeds or
// fails; the run loop itself continues in the background until Stop.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.sts.Connect(w.ctx); err != nil {
		w.emit("startup_failure", err)
		return err
	}
	if _, err := w.sts.InitStream(w.ctx, w.cfg.Identity.StreamID, sts.StreamInitConfig{
		SourceLanguage:  w.cfg.Identity.SourceLanguage,
		TargetLanguage:  w.cfg.Identity.TargetLanguage,
		VoiceProfile:    w.cfg.Identity.VoiceProfile,
		Format:          "wav",
		SampleRateHz:    w.cfg.AudioSampleRateHz,
		Channels:        w.cfg.AudioChannels,
		ChunkDurationMs: int(w.cfg.Identity.SegmentTargetNanos / int64(time.Millisecond)),
	}); err != nil {
		w.emit("startup_failure", err)
		return err
	}

	ing, err := ingest.Build(ingest.Config{
		InputURL:          w.cfg.Identity.InputURL,
		OnVideo:           w.onVideoFrame,
		OnAudio:           w.onAudioFrame,
		OnLevel:           w.onLevel,
		AudioSampleRateHz: w.cfg.AudioSampleRateHz,
		AudioChannels:     w.cfg.AudioChannels,
	})
	if err != nil {
		w.emit("startup_failure", err)
		return err
	}
	w.ingest = ing

	out, err := output.Build(output.Config{OutputURL: w.cfg.Identity.OutputURL})
	if err != nil {
		w.emit("startup_failure", err)
		return err
	}
	w.output = out
	if err := w.output.Start(w.ctx); err != nil {
		w.emit("startup_failure", err)
		return err
	}

	g, gctx := errgroup.WithContext(w.ctx)
	g.Go(func() error { return w.ingest.Start(gctx) })

	go w.runLoop()
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			w.emit("pipeline_failure", err)
		}
	}()
	return nil
}

// runLoop is the single cooperative consumer: it drains the video/audio
// queues, updates ready-pair state, and calls GetReadyPairs for any pairs
// released by out-of-order STS responses. Tick ~50ms per spec.md §4.10.
func (w *Worker) runLoop() {
	ticker := time.NewTicker(w.cfg.RunLoopTick)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case item := <-w.videoQueue:
			w.handleVideoSegment(item)
		case seg := <-w.audioQueue:
			w.handleAudioSegment(seg)
		case <-ticker.C:
			w.checkLevelTimeout()
			w.flushReadyPairs()
		}
	}
}

// onVideoFrame accumulates raw video frames into target-duration
// segments and enqueues each emission.
func (w *Worker) onVideoFrame(payload []byte, ptsNanos, durationNanos int64) {
	e, ok := w.videoBuf.Push(payload, ptsNanos, durationNanos)
	if !ok {
		return
	}
	seg := model.VideoSegment{
		FragmentID:  e.FragmentID,
		StreamID:    w.cfg.Identity.StreamID,
		BatchNumber: e.BatchNumber,
		StartPTS:    e.StartPTS,
		Duration:    e.Duration,
		SizeBytes:   int64(len(e.Payload)),
	}
	select {
	case w.videoQueue <- videoItem{seg: seg, data: e.Payload}:
	default:
		w.emit("video_queue_full_dropped", seg)
	}
}

// onAudioFrame feeds either the VAD segmenter (silence-boundary cuts) or
// the fixed-duration buffer, per cfg.UseVAD.
func (w *Worker) onAudioFrame(payload []byte, ptsNanos, durationNanos int64) {
	if w.cfg.UseVAD {
		w.vadSeg.OnAudioBuffer(payload, ptsNanos, durationNanos)
		return
	}
	e, ok := w.audioBuf.Push(payload, ptsNanos, durationNanos)
	if !ok {
		return
	}
	w.onAudioSegmentReady(e.Payload, e.StartPTS, e.Duration, "duration")
}

func (w *Worker) onLevel(rmsDB float64, runningTimeNanos int64) {
	w.mu.Lock()
	w.lastLevelAt = runningTimeNanos
	w.mu.Unlock()
	if w.vadSeg == nil {
		return
	}
	if err := w.vadSeg.OnLevel(rmsDB, runningTimeNanos); err != nil {
		w.emit("vad_fatal", err)
	}
}

func (w *Worker) checkLevelTimeout() {
	if w.vadSeg == nil {
		return
	}
	w.mu.Lock()
	last := w.lastLevelAt
	w.mu.Unlock()
	if last == 0 {
		return
	}
	if err := w.vadSeg.CheckLevelTimeout(last); err != nil {
		w.emit("vad_fatal", err)
	}
}

func (w *Worker) handleVideoSegment(item videoItem) {
	if pair, ok := w.sync.PushVideo(item.seg, item.data); ok {
		w.publishPair(pair)
	}
}

func (w *Worker) handleAudioSegment(seg model.AudioSegment) {
	rec, ok := w.tracker.Track(seg, seg.BatchNumber)
	if !ok {
		w.emit("inflight_rejected", seg)
		w.fallbackSegment(seg)
		return
	}

	if !w.breaker.ShouldAllowRequest() {
		w.emit("breaker_open_fallback", seg)
		w.tracker.Complete(rec.FragmentID)
		w.fallbackSegment(seg)
		return
	}

	if !w.bp.WaitAndDelay(w.ctx) {
		w.emit("backpressure_pause_expired", seg)
		w.tracker.Complete(rec.FragmentID)
		w.fallbackSegment(seg)
		return
	}

	payload, err := w.writer.ReadPayload(seg)
	if err != nil {
		w.tracker.Complete(rec.FragmentID)
		w.fallbackSegment(seg)
		return
	}

	// Success is recorded on the async fragment:processed reply
	// (onFragmentProcessed), not here: a successful send only means the
	// transport accepted the frame. A failed send counts as a failure now.
	if _, err := w.sts.SendFragment(w.ctx, seg, payload); err != nil {
		w.breaker.RecordFailure("")
		w.emit("breaker_failure", "")
		w.tracker.Complete(rec.FragmentID)
		w.fallbackSegment(seg)
		return
	}
	w.emit("fragment_sent", seg)
}

func (w *Worker) onAudioSegmentReady(data []byte, t0, dur int64, trigger string) {
	w.mu.Lock()
	batch := w.audioBatch
	w.audioBatch++
	w.mu.Unlock()

	seg := model.AudioSegment{
		FragmentID:  uuid.NewString(),
		StreamID:    w.cfg.Identity.StreamID,
		BatchNumber: batch,
		StartPTS:    t0,
		Duration:    dur,
		EmitTrigger: trigger,
	}
	written, err := w.writer.Write(seg, data)
	if err != nil {
		w.emit("write_failure", err)
		return
	}
	select {
	case w.audioQueue <- written:
	default:
		w.emit("audio_queue_full_dropped", written)
	}
}

func (w *Worker) fallbackSegment(seg model.AudioSegment) {
	w.mu.Lock()
	w.fallbacks++
	w.mu.Unlock()

	data, err := w.writer.ReadPayload(seg)
	if err != nil {
		w.emit("fallback_read_failure", err)
		return
	}
	if pair, ok := w.sync.PushAudio(seg, data); ok {
		w.publishPair(pair)
	}
	w.emit("segment_fallback", seg)
}

func (w *Worker) onFragmentProcessed(p sts.FragmentProcessed) {
	rec, ok := w.tracker.Complete(p.FragmentID)
	if !ok {
		w.emit("unknown_fragment_processed", p)
		return
	}
	w.emit("fragment_processed", FragmentProcessedMetric{
		Status:         p.Status,
		LatencySeconds: time.Since(rec.SentAt).Seconds(),
	})
	if p.Status != "success" || p.DubbedAudio == nil {
		if p.Error != nil && p.Error.Retryable {
			w.breaker.RecordFailure(p.Error.Code)
			w.emit("breaker_failure", p.Error.Code)
		}
		w.fallbackSegment(rec.Segment)
		return
	}

	w.breaker.RecordSuccess()
	dubbed, err := base64.StdEncoding.DecodeString(p.DubbedAudio.DataBase64)
	if err != nil {
		w.fallbackSegment(rec.Segment)
		return
	}
	seg := rec.Segment
	seg.IsDubbed = true
	if pair, ok := w.sync.PushAudio(seg, dubbed); ok {
		w.publishPair(pair)
	}
}

func (w *Worker) onFragmentTimeout(rec model.InFlightFragment) {
	w.breaker.RecordFailure("TIMEOUT")
	w.emit("breaker_failure", "TIMEOUT")
	w.emit("fragment_timeout", rec.FragmentID)
	w.fallbackSegment(rec.Segment)
}

func (w *Worker) onBackpressure(b sts.Backpressure) {
	sig := backpressure.Signal{
		Severity: backpressure.Severity(b.Severity),
		Action:   backpressure.Action(b.Action),
	}
	if b.RecommendedDelayMs != nil {
		sig.RecommendedDelay = time.Duration(*b.RecommendedDelayMs) * time.Millisecond
	}
	w.bp.Handle(sig)
	w.emit("backpressure", b)
}

func (w *Worker) onSTSError(code, message string, retryable bool) {
	w.emit("sts_error", fmt.Sprintf("%s: %s (retryable=%v)", code, message, retryable))
}

func (w *Worker) publishPair(pair avsync.Pair) {
	if w.output != nil {
		w.output.PushVideo(pair.VideoData, pair.PTSNanos, pair.VideoSegment.Duration)
		if _, err := w.output.PushAudio(w.ctx, pair.AudioData, pair.PTSNanos, pair.AudioSegment.Duration); err != nil {
			w.emit("publish_failure", err)
		}
	}
	w.emit("pair_published", pair)
}

func (w *Worker) flushReadyPairs() {
	for _, pair := range w.sync.GetReadyPairs() {
		w.publishPair(pair)
	}
}

// Stop cooperatively stops the run loop, stops pipelines, clears the
// fragment tracker, ends the STS stream, and disconnects.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.flushPendingSegments()

	pairs, err := w.sync.FlushWithFallback(func(seg model.AudioSegment) ([]byte, error) {
		return w.writer.ReadPayload(seg)
	})
	if err != nil {
		w.emit("flush_fallback_failure", err)
	}
	for _, pair := range pairs {
		w.publishPair(pair)
	}

	w.cancel()
	if w.ingest != nil {
		w.ingest.Stop()
	}
	if w.output != nil {
		w.output.Stop()
	}
	w.tracker.Clear()

	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.sts.EndStream(endCtx); err != nil {
		w.emit("end_stream_failed", err)
	}
	w.sts.Disconnect()
}

// flushPendingSegments emits whatever the Segment Buffers and VAD
// Segmenter are still accumulating at end-of-stream (spec.md §4.2/§4.3) —
// a residual between min and target duration must still reach the A/V
// Sync Manager, not be silently dropped. Emissions route through the same
// queues the run loop drains in normal operation, then this synchronously
// drains those queues so the flushed segments are already paired by the
// time FlushWithFallback runs.
func (w *Worker) flushPendingSegments() {
	if w.videoBuf != nil {
		if e, ok := w.videoBuf.Flush(); ok {
			seg := model.VideoSegment{
				FragmentID:  e.FragmentID,
				StreamID:    w.cfg.Identity.StreamID,
				BatchNumber: e.BatchNumber,
				StartPTS:    e.StartPTS,
				Duration:    e.Duration,
				SizeBytes:   int64(len(e.Payload)),
			}
			select {
			case w.videoQueue <- videoItem{seg: seg, data: e.Payload}:
			default:
				w.emit("video_queue_full_dropped", seg)
			}
		}
	}

	if w.vadSeg != nil {
		w.vadSeg.Flush()
	} else if w.audioBuf != nil {
		if e, ok := w.audioBuf.Flush(); ok {
			w.onAudioSegmentReady(e.Payload, e.StartPTS, e.Duration, "eos")
		}
	}

	w.drainQueues()
}

// drainQueues synchronously processes anything already sitting in the
// video/audio queues. It competes harmlessly with the run loop for the
// same channels: a channel delivers each item to exactly one receiver,
// and whichever goroutine receives it runs the identical handler.
func (w *Worker) drainQueues() {
	for {
		select {
		case item := <-w.videoQueue:
			w.handleVideoSegment(item)
		case seg := <-w.audioQueue:
			w.handleAudioSegment(seg)
		default:
			return
		}
	}
}

// Cleanup releases all resources; idempotent, safe to call multiple times.
func (w *Worker) Cleanup() {
	w.closeOnce.Do(func() {
		w.Stop()
		if w.ingest != nil {
			w.ingest.Cleanup()
		}
		if w.output != nil {
			w.output.Cleanup()
		}
		close(w.events)
	})
}

// FallbackCount reports how many segments fell back to original audio.
func (w *Worker) FallbackCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fallbacks
}

// StreamID identifies this worker for metrics/log correlation.
func (w *Worker) StreamID() string { return w.cfg.Identity.StreamID }

// Identity exposes the stream identity (source/target language, voice
// profile) for observability labeling.
func (w *Worker) Identity() model.StreamIdentity { return w.cfg.Identity }

// IngestStateValue reports the ingest pipeline's lifecycle collapsed onto
// the pipeline_state gauge's 0=stopped/1=running/2=error scheme.
func (w *Worker) IngestStateValue() float64 {
	if w.ingest == nil {
		return 0
	}
	switch w.ingest.State() {
	case ingest.StatePlaying, ingest.StateStopping:
		return 1
	case ingest.StateFailed:
		return 2
	default:
		return 0
	}
}

// OutputStateValue reports the output pipeline's lifecycle collapsed onto
// the pipeline_state gauge's 0=stopped/1=running/2=error scheme.
func (w *Worker) OutputStateValue() float64 {
	if w.output == nil {
		return 0
	}
	switch w.output.State() {
	case output.StatePlaying:
		return 1
	case output.StateError:
		return 2
	default:
		return 0
	}
}

// BreakerState reports the circuit breaker's current numeric gauge value.
func (w *Worker) BreakerState() breaker.State { return w.breaker.State() }

// BreakerFailureCount reports the breaker's consecutive-failure counter.
func (w *Worker) BreakerFailureCount() int { return w.breaker.FailureCount() }

// BreakerFallbackCount reports requests denied while the breaker was open.
func (w *Worker) BreakerFallbackCount() int64 { return w.breaker.TotalFallbacks() }

// InflightCount reports the number of fragments currently awaiting an STS reply.
func (w *Worker) InflightCount() int { return w.tracker.InflightCount() }

// AVSyncDeltaMillis reports the current absolute A/V sync delta.
func (w *Worker) AVSyncDeltaMillis() float64 { return w.sync.SyncDeltaMillis() }

// VideoBufferSize reports the number of video segments awaiting audio.
func (w *Worker) VideoBufferSize() int { return w.sync.VideoBufferSize() }

// AudioBufferSize reports the number of audio segments awaiting video.
func (w *Worker) AudioBufferSize() int { return w.sync.AudioBufferSize() }

package metrics

import (
	"context"
	"time"

	"github.com/media-service/dubbing-worker/internal/avsync"
	"github.com/media-service/dubbing-worker/internal/sts"
	"github.com/media-service/dubbing-worker/internal/worker"
)

// Bridge polls a Worker's gauges on a fixed interval and drains its event
// channel for countable occurrences, translating both into the shared
// Registry. One Bridge per stream Worker.
type Bridge struct {
	reg      *Registry
	w        *worker.Worker
	streamID string
	interval time.Duration
}

// NewBridge constructs a Bridge and sets the info gauge for this stream
// once, at construction (it never changes for the worker's lifetime).
// interval defaults to 2s.
func NewBridge(reg *Registry, w *worker.Worker, interval time.Duration) *Bridge {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	b := &Bridge{reg: reg, w: w, streamID: w.StreamID(), interval: interval}
	id := w.Identity()
	reg.Info.WithLabelValues(b.streamID, id.SourceLanguage, id.TargetLanguage, id.VoiceProfile).Set(1)
	return b
}

// Run polls gauges and drains events until ctx is cancelled or the
// worker's event channel closes.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pollGauges()
		case ev, ok := <-b.w.Events():
			if !ok {
				return
			}
			b.observe(ev)
		}
	}
}

func (b *Bridge) pollGauges() {
	sid := b.streamID
	b.reg.CircuitBreakerState.WithLabelValues(sid).Set(breakerStateValue(b.w.BreakerState()))
	b.reg.STSInflightFragments.WithLabelValues(sid).Set(float64(b.w.InflightCount()))
	b.reg.AVSyncDeltaMs.WithLabelValues(sid).Set(b.w.AVSyncDeltaMillis())
	b.reg.AVBufferVideoSize.WithLabelValues(sid).Set(float64(b.w.VideoBufferSize()))
	b.reg.AVBufferAudioSize.WithLabelValues(sid).Set(float64(b.w.AudioBufferSize()))
	b.reg.PipelineState.WithLabelValues(sid, "ingest").Set(b.w.IngestStateValue())
	b.reg.PipelineState.WithLabelValues(sid, "output").Set(b.w.OutputStateValue())
}

func (b *Bridge) observe(ev worker.Event) {
	sid := b.streamID
	switch ev.Type {
	case "pair_published":
		b.reg.SegmentsProcessedTotal.WithLabelValues(sid, "video").Inc()
		b.reg.SegmentsProcessedTotal.WithLabelValues(sid, "audio").Inc()
		if p, ok := ev.Data.(avsync.Pair); ok {
			b.reg.SegmentsBytesTotal.WithLabelValues(sid, "video").Add(float64(len(p.VideoData)))
			b.reg.SegmentsBytesTotal.WithLabelValues(sid, "audio").Add(float64(len(p.AudioData)))
		}

	case "breaker_open_fallback":
		b.reg.CircuitBreakerFallbacksTotal.WithLabelValues(sid).Inc()

	case "fragment_sent":
		b.reg.STSFragmentsSentTotal.WithLabelValues(sid).Inc()

	case "fragment_processed":
		if fp, ok := ev.Data.(worker.FragmentProcessedMetric); ok {
			b.reg.STSFragmentsProcessedTotal.WithLabelValues(sid, fp.Status).Inc()
			b.reg.STSProcessingLatencySeconds.WithLabelValues(sid).Observe(fp.LatencySeconds)
		}

	case "breaker_failure":
		b.reg.CircuitBreakerFailuresTotal.WithLabelValues(sid).Inc()

	case "av_sync_correction":
		b.reg.AVSyncCorrectionsTotal.WithLabelValues(sid).Inc()

	case "backpressure":
		if bp, ok := ev.Data.(sts.Backpressure); ok {
			b.reg.BackpressureEventsTotal.WithLabelValues(sid, bp.Action).Inc()
		} else {
			b.reg.BackpressureEventsTotal.WithLabelValues(sid, "unknown").Inc()
		}

	case "startup_failure", "pipeline_failure", "vad_fatal", "write_failure",
		"fallback_read_failure", "unknown_fragment_processed", "sts_error",
		"publish_failure", "flush_fallback_failure", "end_stream_failed":
		b.reg.ErrorsTotal.WithLabelValues(sid, ev.Type).Inc()

	case "video_queue_full_dropped", "audio_queue_full_dropped":
		b.reg.ErrorsTotal.WithLabelValues(sid, ev.Type).Inc()
	}
}

func breakerStateValue(s interface{ String() string }) float64 {
	switch s.String() {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// Package metrics exposes the worker's Prometheus surface: segment
// throughput, STS latency, circuit breaker state, A/V sync drift, and
// error counters, all under the media_service_worker_ namespace.
//
// Grounded on original_source's metrics/prometheus.py: same metric
// names, label sets, and histogram buckets, and the same
// create-once-reuse discipline (there to dodge prometheus_client's
// "Duplicated timeseries" error across re-instantiation; here enforced
// with sync.Once since client_golang panics on double MustRegister).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "media_service"
	subsystem = "worker"
)

// Registry bundles every collector the worker emits. Construct once per
// process via New and share it across all stream Workers; every metric
// is labeled by stream_id so one Registry covers a whole fleet.
type Registry struct {
	Info *prometheus.GaugeVec

	SegmentsProcessedTotal *prometheus.CounterVec
	SegmentsBytesTotal     *prometheus.CounterVec

	STSFragmentsSentTotal      *prometheus.CounterVec
	STSFragmentsProcessedTotal *prometheus.CounterVec
	STSProcessingLatencySeconds *prometheus.HistogramVec
	STSInflightFragments        *prometheus.GaugeVec

	CircuitBreakerState          *prometheus.GaugeVec
	CircuitBreakerFailuresTotal  *prometheus.CounterVec
	CircuitBreakerFallbacksTotal *prometheus.CounterVec

	AVSyncDeltaMs        *prometheus.GaugeVec
	AVSyncCorrectionsTotal *prometheus.CounterVec
	AVBufferVideoSize      *prometheus.GaugeVec
	AVBufferAudioSize      *prometheus.GaugeVec

	ErrorsTotal            *prometheus.CounterVec
	PipelineState          *prometheus.GaugeVec
	BackpressureEventsTotal *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *Registry
)

// New returns the process-wide Registry, registering every collector with
// reg on first call and reusing the same instance on every subsequent
// call regardless of the reg argument (a class-level singleton; a second
// distinct *prometheus.Registry passed in later is silently ignored).
func New(reg prometheus.Registerer) *Registry {
	once.Do(func() {
		instance = build(reg)
	})
	return instance
}

func build(reg prometheus.Registerer) *Registry {
	f := promFactory{reg: reg}
	r := &Registry{
		Info: f.gaugeVec("info", "Static per-stream worker info.", "stream_id", "source_language", "target_language", "voice_profile"),

		SegmentsProcessedTotal: f.counterVec("segments_processed_total", "Segments emitted.", "stream_id", "type"),
		SegmentsBytesTotal:     f.counterVec("segments_bytes_total", "Bytes emitted.", "stream_id", "type"),

		STSFragmentsSentTotal:      f.counterVec("sts_fragments_sent_total", "Successful STS sends.", "stream_id"),
		STSFragmentsProcessedTotal: f.counterVec("sts_fragments_processed_total", "STS processed replies.", "stream_id", "status"),
		STSProcessingLatencySeconds: f.histogramVec("sts_processing_latency_seconds", "End-to-end fragment latency.",
			[]float64{0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15}, "stream_id"),
		STSInflightFragments: f.gaugeVec("sts_inflight_fragments", "Current in-flight fragment count.", "stream_id"),

		CircuitBreakerState:          f.gaugeVec("circuit_breaker_state", "0 closed, 1 half_open, 2 open.", "stream_id"),
		CircuitBreakerFailuresTotal:  f.counterVec("circuit_breaker_failures_total", "Breaker-recorded failures.", "stream_id"),
		CircuitBreakerFallbacksTotal: f.counterVec("circuit_breaker_fallbacks_total", "Requests denied while open.", "stream_id"),

		AVSyncDeltaMs:          f.gaugeVec("av_sync_delta_ms", "Current A/V sync delta.", "stream_id"),
		AVSyncCorrectionsTotal: f.counterVec("av_sync_corrections_total", "Slew corrections applied.", "stream_id"),
		AVBufferVideoSize:      f.gaugeVec("av_buffer_video_size", "Video segments awaiting audio.", "stream_id"),
		AVBufferAudioSize:      f.gaugeVec("av_buffer_audio_size", "Audio segments awaiting video.", "stream_id"),

		ErrorsTotal:             f.counterVec("errors_total", "Errors by kind.", "stream_id", "error_type"),
		PipelineState:           f.gaugeVec("pipeline_state", "0 stopped, 1 running, 2 error.", "stream_id", "pipeline"),
		BackpressureEventsTotal: f.counterVec("backpressure_events_total", "Backpressure signals received.", "stream_id", "action"),
	}
	return r
}

type promFactory struct {
	reg prometheus.Registerer
}

func (f promFactory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	f.reg.MustRegister(v)
	return v
}

func (f promFactory) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	f.reg.MustRegister(v)
	return v
}

func (f promFactory) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
	f.reg.MustRegister(v)
	return v
}

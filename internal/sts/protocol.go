// Package sts implements the STS Client (spec.md §4.5) and the wire
// protocol described in spec.md §6.2: an event-oriented, bidirectional,
// WebSocket-based session with the external Speech-to-Speech service.
//
// Grounded on the teacher's pkg/providers/tts/lokutor.go (lazy-dial under
// mutex, message-loop shape) generalized from a single request/EOS
// protocol to the named-event protocol described in original_source's
// sts/socketio_client.py.
package sts

import "encoding/json"

// envelope is the wire framing for every message in both directions: a
// named event plus its JSON payload. coder/websocket is a raw WebSocket
// client (not a Socket.IO client), so the named-event semantics of the
// original protocol are modeled explicitly here rather than relied upon
// from a Socket.IO library.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client -> server events.

// StreamInitConfig is the config payload of a stream:init event.
type StreamInitConfig struct {
	SourceLanguage  string `json:"source_language"`
	TargetLanguage  string `json:"target_language"`
	VoiceProfile    string `json:"voice_profile"`
	Format          string `json:"format"`
	SampleRateHz    int    `json:"sample_rate_hz"`
	Channels        int    `json:"channels"`
	ChunkDurationMs int    `json:"chunk_duration_ms"`
}

type streamInitPayload struct {
	StreamID string           `json:"stream_id"`
	WorkerID string           `json:"worker_id"`
	Config   StreamInitConfig `json:"config"`
}

type fragmentMetadata struct {
	PTSNanos       int64 `json:"pts_ns"`
	SourcePTSNanos int64 `json:"source_pts_ns"`
}

type fragmentAudio struct {
	Format       string `json:"format"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
	DurationMs   int64  `json:"duration_ms"`
	DataBase64   string `json:"data_base64"`
}

type fragmentDataPayload struct {
	FragmentID     string           `json:"fragment_id"`
	StreamID       string           `json:"stream_id"`
	SequenceNumber int64            `json:"sequence_number"`
	TimestampMs    int64            `json:"timestamp"`
	Audio          fragmentAudio    `json:"audio"`
	Metadata       fragmentMetadata `json:"metadata,omitempty"`
}

// FragmentAckStatus is the status a worker reports back to STS with a
// courtesy fragment:ack (worker -> STS).
type FragmentAckStatus string

type fragmentAckOutPayload struct {
	FragmentID string `json:"fragment_id"`
	Status     string `json:"status"`
}

type streamEndPayload struct {
	StreamID string `json:"stream_id"`
}

// Server -> client events.

// StreamReady is the stream:ready payload.
type StreamReady struct {
	SessionID   string `json:"session_id"`
	MaxInflight int    `json:"max_inflight"`
}

// FragmentQueuedAck is the STS->worker fragment:ack payload (a queued-state
// acknowledgement, distinct from the worker->STS courtesy ack).
type FragmentQueuedAck struct {
	FragmentID            string `json:"fragment_id"`
	Status                string `json:"status"` // queued, processing, received, applied
	QueuePosition         *int   `json:"queue_position,omitempty"`
	EstimatedCompletionMs *int64 `json:"estimated_completion_ms,omitempty"`
}

// DubbedAudio is the dubbed_audio field of a fragment:processed payload,
// present unless status is "failed".
type DubbedAudio struct {
	Format       string `json:"format"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
	DurationMs   int64  `json:"duration_ms"`
	DataBase64   string `json:"data_base64"`
}

// StageTimings is the per-stage latency breakdown of fragment:processed.
type StageTimings struct {
	ASRMs         int64 `json:"asr_ms"`
	TranslationMs int64 `json:"translation_ms"`
	TTSMs         int64 `json:"tts_ms"`
}

// FragmentError is the error field of a fragment:processed payload, present
// when status is failed or partial.
type FragmentError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// FragmentProcessed is the fragment:processed payload.
type FragmentProcessed struct {
	FragmentID       string         `json:"fragment_id"`
	StreamID         string         `json:"stream_id"`
	SequenceNumber   int64          `json:"sequence_number"`
	Status           string         `json:"status"` // success, partial, failed
	DubbedAudio      *DubbedAudio   `json:"dubbed_audio,omitempty"`
	Transcript       string         `json:"transcript,omitempty"`
	TranslatedText   string         `json:"translated_text,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	StageTimings     StageTimings   `json:"stage_timings"`
	Error            *FragmentError `json:"error,omitempty"`
}

// Backpressure is the backpressure payload.
type Backpressure struct {
	StreamID          string `json:"stream_id"`
	Severity          string `json:"severity"` // low, medium, high
	CurrentInflight   int    `json:"current_inflight"`
	QueueDepth        int    `json:"queue_depth"`
	Action            string `json:"action"` // none, slow_down, pause
	RecommendedDelayMs *int64 `json:"recommended_delay_ms,omitempty"`
}

// ProtocolError is the error payload.
type ProtocolError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

const (
	eventStreamInit       = "stream:init"
	eventFragmentData     = "fragment:data"
	eventFragmentAck      = "fragment:ack"
	eventStreamEnd        = "stream:end"
	eventStreamReady      = "stream:ready"
	eventFragmentProcessed = "fragment:processed"
	eventBackpressure     = "backpressure"
	eventError            = "error"
)

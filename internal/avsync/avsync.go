// Package avsync implements the A/V Sync Manager (spec.md §4.8), the
// central coordinator that pairs video segments with dubbed (or fallback)
// audio, applies an output PTS offset, and corrects drift with a bounded
// slew rate.
//
// Grounded on original_source's sync/av_sync.py (buffer/pairing/drop-oldest
// semantics) and tests/unit/test_models_state.py (exact AvSyncState field
// semantics — that .py source was filtered from the pack, only its tests
// survived).
package avsync

import (
	"sync"

	"github.com/media-service/dubbing-worker/internal/model"
)

// State holds the PTS-offset bookkeeping independent of buffering.
type State struct {
	AVOffsetNanos   int64
	DriftThreshold  int64
	SlewRateNanos   int64
	videoPTSLast    int64
	audioPTSLast    int64
	syncDeltaNanos  int64
}

// AdjustVideoPTS applies the current offset to a video segment's start PTS.
func (s *State) AdjustVideoPTS(pts int64) int64 { return pts + s.AVOffsetNanos }

// AdjustAudioPTS applies the current offset to an audio segment's start PTS.
func (s *State) AdjustAudioPTS(pts int64) int64 { return pts + s.AVOffsetNanos }

// UpdateSyncState records the latest adjusted PTS pair and recomputes delta.
func (s *State) UpdateSyncState(videoPTS, audioPTS int64) {
	s.videoPTSLast = videoPTS
	s.audioPTSLast = audioPTS
	delta := videoPTS - audioPTS
	if delta < 0 {
		delta = -delta
	}
	s.syncDeltaNanos = delta
}

// SyncDeltaNanos returns the current absolute delta.
func (s *State) SyncDeltaNanos() int64 { return s.syncDeltaNanos }

// SyncDeltaMillis returns the current delta in milliseconds.
func (s *State) SyncDeltaMillis() float64 { return float64(s.syncDeltaNanos) / 1e6 }

// AVOffsetMillis returns the current offset in milliseconds.
func (s *State) AVOffsetMillis() float64 { return float64(s.AVOffsetNanos) / 1e6 }

// NeedsCorrection reports whether the delta strictly exceeds the drift
// threshold (equal to the threshold does not need correction).
func (s *State) NeedsCorrection() bool { return s.syncDeltaNanos > s.DriftThreshold }

// ApplySlewCorrection nudges the offset by at most the slew rate toward
// reducing |delta|, in the direction away from whichever side is ahead.
// An explicit amount is clamped to [-slewRate, +slewRate]; omit (pass 0 and
// useDefault=true) to use the full slew rate. Returns the clamped amount;
// the offset moves by +amount when video is ahead and by -amount otherwise.
func (s *State) ApplySlewCorrection(amount int64, useDefault bool) int64 {
	videoAhead := s.videoPTSLast > s.audioPTSLast

	var adjustment int64
	if useDefault {
		adjustment = s.SlewRateNanos
	} else {
		adjustment = amount
		if adjustment > s.SlewRateNanos {
			adjustment = s.SlewRateNanos
		}
		if adjustment < -s.SlewRateNanos {
			adjustment = -s.SlewRateNanos
		}
	}

	if videoAhead {
		s.AVOffsetNanos += adjustment
	} else {
		s.AVOffsetNanos -= adjustment
	}
	return adjustment
}

// Reset clears the last-observed PTS values and delta but does NOT reset
// the offset (confirmed by the original's test_models_state.py).
func (s *State) Reset() {
	s.videoPTSLast = 0
	s.audioPTSLast = 0
	s.syncDeltaNanos = 0
}

// Pair is a muxing-ready video+audio pair.
type Pair struct {
	VideoSegment model.VideoSegment
	VideoData    []byte
	AudioSegment model.AudioSegment
	AudioData    []byte
	PTSNanos     int64
}

type bufferedVideo struct {
	segment model.VideoSegment
	data    []byte
}

type bufferedAudio struct {
	segment model.AudioSegment
	data    []byte
}

// Manager is the per-worker A/V sync manager.
type Manager struct {
	mu sync.Mutex

	state         State
	maxBufferSize int

	videoBuffer []bufferedVideo
	audioBuffer map[int64]bufferedAudio

	onCorrection func(deltaMillis float64, adjustmentNanos int64)
}

// Config configures a new Manager.
type Config struct {
	AVOffsetNanos  int64
	DriftThreshold int64
	SlewRateNanos  int64
	MaxBufferSize  int
	// OnCorrection, if set, is invoked in its own goroutine whenever a slew
	// correction is applied (for metrics/logging), so it never runs while
	// holding the manager's lock.
	OnCorrection func(deltaMillis float64, adjustmentNanos int64)
}

// New constructs a Manager from Config.
func New(cfg Config) *Manager {
	return &Manager{
		state: State{
			AVOffsetNanos:  cfg.AVOffsetNanos,
			DriftThreshold: cfg.DriftThreshold,
			SlewRateNanos:  cfg.SlewRateNanos,
		},
		maxBufferSize: cfg.MaxBufferSize,
		audioBuffer:   make(map[int64]bufferedAudio),
		onCorrection:  cfg.OnCorrection,
	}
}

// createPair computes the output PTS, updates drift state, and applies a
// correction if needed. Caller must hold mu.
func (m *Manager) createPair(vs model.VideoSegment, vd []byte, as model.AudioSegment, ad []byte) Pair {
	videoPTS := m.state.AdjustVideoPTS(vs.StartPTS)
	audioPTS := m.state.AdjustAudioPTS(as.StartPTS)
	m.state.UpdateSyncState(videoPTS, audioPTS)

	var corrected bool
	var adjustment int64
	if m.state.NeedsCorrection() {
		adjustment = m.state.ApplySlewCorrection(0, true)
		corrected = true
	}

	pair := Pair{
		VideoSegment: vs,
		VideoData:    vd,
		AudioSegment: as,
		AudioData:    ad,
		PTSNanos:     videoPTS,
	}

	if corrected && m.onCorrection != nil {
		delta := m.state.SyncDeltaMillis()
		go m.onCorrection(delta, adjustment)
	}

	return pair
}

// PushVideo buffers a video segment, returning a Pair immediately if
// matching audio is already buffered.
func (m *Manager) PushVideo(seg model.VideoSegment, data []byte) (Pair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ab, ok := m.audioBuffer[seg.BatchNumber]; ok {
		delete(m.audioBuffer, seg.BatchNumber)
		return m.createPair(seg, data, ab.segment, ab.data), true
	}

	if len(m.videoBuffer) >= m.maxBufferSize {
		m.videoBuffer = m.videoBuffer[1:]
	}
	m.videoBuffer = append(m.videoBuffer, bufferedVideo{segment: seg, data: data})
	return Pair{}, false
}

// PushAudio buffers an audio segment, returning a Pair immediately if a
// matching video segment is already buffered.
func (m *Manager) PushAudio(seg model.AudioSegment, data []byte) (Pair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, vb := range m.videoBuffer {
		if vb.segment.BatchNumber == seg.BatchNumber {
			m.videoBuffer = append(m.videoBuffer[:i], m.videoBuffer[i+1:]...)
			return m.createPair(vb.segment, vb.data, seg, data), true
		}
	}

	if len(m.audioBuffer) >= m.maxBufferSize {
		var oldest int64
		first := true
		for batch := range m.audioBuffer {
			if first || batch < oldest {
				oldest = batch
				first = false
			}
		}
		delete(m.audioBuffer, oldest)
	}
	m.audioBuffer[seg.BatchNumber] = bufferedAudio{segment: seg, data: data}
	return Pair{}, false
}

// GetReadyPairs bulk-pairs everything currently pairable. Idempotent: a
// second call with no new pushes returns an empty slice.
func (m *Manager) GetReadyPairs() []Pair {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pairs []Pair
	remaining := m.videoBuffer[:0:0]
	for _, vb := range m.videoBuffer {
		if ab, ok := m.audioBuffer[vb.segment.BatchNumber]; ok {
			delete(m.audioBuffer, vb.segment.BatchNumber)
			pairs = append(pairs, m.createPair(vb.segment, vb.data, ab.segment, ab.data))
		} else {
			remaining = append(remaining, vb)
		}
	}
	m.videoBuffer = remaining
	return pairs
}

// FetchOriginal supplies the original-audio bytes for a fallback pairing.
type FetchOriginal func(model.AudioSegment) ([]byte, error)

// FlushWithFallback drains the video buffer, pairing each entry with
// buffered audio where available or a synthesized fallback segment
// otherwise (used at stream end or while the circuit breaker is open).
func (m *Manager) FlushWithFallback(fetch FetchOriginal) ([]Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pairs []Pair
	for _, vb := range m.videoBuffer {
		if ab, ok := m.audioBuffer[vb.segment.BatchNumber]; ok {
			delete(m.audioBuffer, vb.segment.BatchNumber)
			pairs = append(pairs, m.createPair(vb.segment, vb.data, ab.segment, ab.data))
			continue
		}

		fallback := model.AudioSegment{
			FragmentID:  vb.segment.FragmentID + "_fallback",
			StreamID:    vb.segment.StreamID,
			BatchNumber: vb.segment.BatchNumber,
			StartPTS:    vb.segment.StartPTS,
			Duration:    vb.segment.Duration,
			IsDubbed:    false,
		}
		data, err := fetch(fallback)
		if err != nil {
			return pairs, err
		}
		pairs = append(pairs, m.createPair(vb.segment, vb.data, fallback, data))
	}
	m.videoBuffer = nil
	return pairs, nil
}

// Reset clears both buffers and the sync delta state, but not the PTS
// offset (spec.md §4.8).
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoBuffer = nil
	m.audioBuffer = make(map[int64]bufferedAudio)
	m.state.Reset()
}

// VideoBufferSize returns the number of video segments waiting for audio.
func (m *Manager) VideoBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.videoBuffer)
}

// AudioBufferSize returns the number of audio segments waiting for video.
func (m *Manager) AudioBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audioBuffer)
}

// SyncDeltaMillis returns the current sync delta in milliseconds.
func (m *Manager) SyncDeltaMillis() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SyncDeltaMillis()
}

// AVOffsetMillis returns the current PTS offset in milliseconds.
func (m *Manager) AVOffsetMillis() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AVOffsetMillis()
}

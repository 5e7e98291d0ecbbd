// Package ingest implements the Ingest Pipeline (spec.md §4.1): open the
// input live stream, demux it, and deliver ordered video/audio frame
// callbacks plus optional audio level samples for VAD.
//
// Grounded on the teacher's internal/stream.Manager: a managed FFmpeg
// subprocess with an explicit state machine and bounded-backoff restart,
// generalized here from ALSA-capture-to-RTSP to input-URL-demux-to-
// elementary-streams.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/media-service/dubbing-worker/internal/vad"
	"github.com/media-service/dubbing-worker/internal/wderr"
)

// State is the ingest pipeline's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateReady
	StatePlaying
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// OnVideo, OnAudio, OnLevel are the consumer-side callbacks (spec.md §4.1).
type OnVideo func(payload []byte, ptsNanos, durationNanos int64)
type OnAudio func(payload []byte, ptsNanos, durationNanos int64)
type OnLevel func(rmsDB float64, runningTimeNanos int64)

// Config configures one ingest pipeline instance.
type Config struct {
	InputURL           string
	FFmpegPath         string // default "ffmpeg"
	AudioSampleRateHz  int    // default 48000
	AudioChannels      int    // default 2
	VideoFrameDuration time.Duration // assumed constant frame duration, default 40ms (25fps)
	AudioChunkSamples  int           // samples per audio read, default 960 (20ms @ 48kHz)
	LevelInterval      time.Duration // cadence of on_level emission, default 100ms

	OnVideo OnVideo
	OnAudio OnAudio
	OnLevel OnLevel

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.AudioSampleRateHz == 0 {
		c.AudioSampleRateHz = 48000
	}
	if c.AudioChannels == 0 {
		c.AudioChannels = 2
	}
	if c.VideoFrameDuration == 0 {
		c.VideoFrameDuration = 40 * time.Millisecond
	}
	if c.AudioChunkSamples == 0 {
		c.AudioChunkSamples = 960
	}
	if c.LevelInterval == 0 {
		c.LevelInterval = 100 * time.Millisecond
	}
}

// Pipeline manages one demuxing FFmpeg subprocess.
type Pipeline struct {
	cfg Config

	mu    sync.Mutex
	state atomic.Value // State
	cmd   *exec.Cmd

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	videoPTS int64
	audioPTS int64
	lastLevelAt int64
}

// Build validates configuration and prepares the pipeline. It does not
// start any process.
func Build(cfg Config) (*Pipeline, error) {
	cfg.setDefaults()
	if cfg.InputURL == "" {
		return nil, wderr.New(wderr.IngestFatal, "ingest.build", fmt.Errorf("input url is empty"))
	}
	if _, err := url.Parse(cfg.InputURL); err != nil {
		return nil, wderr.New(wderr.IngestFatal, "ingest.build", fmt.Errorf("invalid input url: %w", err))
	}
	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		return nil, wderr.New(wderr.IngestFatal, "ingest.build", fmt.Errorf("ffmpeg not found: %w", err))
	}

	p := &Pipeline{cfg: cfg}
	p.state.Store(StateIdle)
	return p, nil
}

func (p *Pipeline) setState(s State) { p.state.Store(s) }

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	v := p.state.Load()
	if v == nil {
		return StateIdle
	}
	return v.(State)
}

// Start begins demuxing, transitioning READY -> PLAYING. It blocks until
// the subprocess exits or ctx is cancelled, so callers run it in a
// goroutine. It runs the subprocess once; neither Start nor the Worker
// Runner restarts ingest after it exits.
func (p *Pipeline) Start(ctx context.Context) error {
	p.setState(StateReady)
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	defer close(p.doneCh)

	videoR, videoW, err := os.Pipe()
	if err != nil {
		return wderr.New(wderr.IngestTransient, "ingest.start", err)
	}
	audioR, audioW, err := os.Pipe()
	if err != nil {
		videoR.Close()
		videoW.Close()
		return wderr.New(wderr.IngestTransient, "ingest.start", err)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", p.cfg.InputURL,
		"-map", "0:v:0", "-c:v", "copy", "-f", "h264", "pipe:3",
		"-map", "0:a:0", "-c:a", "pcm_s16le",
		"-ar", fmt.Sprintf("%d", p.cfg.AudioSampleRateHz),
		"-ac", fmt.Sprintf("%d", p.cfg.AudioChannels),
		"-f", "s16le", "pipe:4",
	}
	cmd := exec.CommandContext(ctx, p.cfg.FFmpegPath, args...)
	cmd.ExtraFiles = []*os.File{videoW, audioW}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		videoR.Close()
		videoW.Close()
		audioR.Close()
		audioW.Close()
		return wderr.New(wderr.IngestTransient, "ingest.start", err)
	}
	videoW.Close()
	audioW.Close()

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()
	p.setState(StatePlaying)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readVideo(videoR)
	}()
	go func() {
		defer wg.Done()
		p.readAudio(audioR)
	}()

	waitErr := cmd.Wait()
	videoR.Close()
	audioR.Close()
	wg.Wait()

	if p.State() == StateStopping {
		p.setState(StateStopped)
		return nil
	}
	if waitErr != nil {
		p.setState(StateFailed)
		return wderr.New(wderr.IngestTransient, "ingest.ffmpeg", fmt.Errorf("%w: %s", waitErr, stderr.String()))
	}
	p.setState(StateStopped)
	return nil
}

// readVideo scans Annex-B NAL start codes to deliver complete access
// units, one per on_video callback.
func (p *Pipeline) readVideo(r io.Reader) {
	br := bufio.NewReaderSize(r, 1<<20)
	var unit []byte
	buf := make([]byte, 4096)
	seenFirst := false
	flush := func() {
		if len(unit) == 0 {
			return
		}
		dur := int64(p.cfg.VideoFrameDuration)
		pts := atomic.LoadInt64(&p.videoPTS)
		atomic.AddInt64(&p.videoPTS, dur)
		if p.cfg.OnVideo != nil {
			payload := make([]byte, len(unit))
			copy(payload, unit)
			p.cfg.OnVideo(payload, pts, dur)
		}
		unit = unit[:0]
	}
	for {
		n, err := br.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for len(chunk) > 0 {
				idx := bytes.Index(chunk, []byte{0, 0, 0, 1})
				if idx < 0 {
					unit = append(unit, chunk...)
					break
				}
				if idx > 0 {
					unit = append(unit, chunk[:idx]...)
				}
				if seenFirst {
					flush()
				}
				seenFirst = true
				chunk = chunk[idx+4:]
			}
		}
		if err != nil {
			flush()
			return
		}
	}
}

// readAudio reads fixed-size PCM chunks, emitting on_audio and periodic
// on_level (RMS-dB, computed the same way as the VAD segmenter) samples.
func (p *Pipeline) readAudio(r io.Reader) {
	bytesPerSample := 2 * p.cfg.AudioChannels
	chunkBytes := p.cfg.AudioChunkSamples * bytesPerSample
	buf := make([]byte, chunkBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			samples := n / bytesPerSample
			dur := int64(time.Duration(samples) * time.Second / time.Duration(p.cfg.AudioSampleRateHz))
			pts := atomic.LoadInt64(&p.audioPTS)
			atomic.AddInt64(&p.audioPTS, dur)

			if p.cfg.OnAudio != nil {
				payload := make([]byte, n)
				copy(payload, buf[:n])
				p.cfg.OnAudio(payload, pts, dur)
			}
			if p.cfg.OnLevel != nil {
				last := atomic.LoadInt64(&p.lastLevelAt)
				if pts-last >= int64(p.cfg.LevelInterval) {
					atomic.StoreInt64(&p.lastLevelAt, pts)
					p.cfg.OnLevel(vad.CalculateRMS(buf[:n]), pts)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Stop requests a graceful shutdown. Idempotent; safe to call before Start
// returns and safe to call multiple times.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.setState(StateStopping)
		p.mu.Lock()
		cmd := p.cmd
		p.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		if p.stopCh != nil {
			close(p.stopCh)
		}
	})
}

// Cleanup releases any remaining resources. Idempotent; safe on all exit
// paths including before Start was ever called.
func (p *Pipeline) Cleanup() {
	p.Stop()
	if p.doneCh != nil {
		<-p.doneCh
	}
}

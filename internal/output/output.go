// Package output implements the Output Pipeline (spec.md §4.9): mux
// paired video/audio into a single real-time-paced published stream.
//
// Grounded on original_source's pipeline/ffmpeg_output.py (push_video/
// push_audio store-then-mux contract, atempo clamp and tolerance,
// restart-drops-stale-queue policy, NULL/READY/PLAYING/ERROR state
// machine) and on internal/stream.Manager's managed-subprocess,
// state-machine, restart shape. Restarts here are immediate, with no delay
// between attempts.
package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/time/rate"

	"github.com/media-service/dubbing-worker/internal/wderr"
)

// State mirrors spec.md §4.9's {NULL, READY, PLAYING, ERROR} machine.
type State int

const (
	StateNull State = iota
	StateReady
	StatePlaying
	StateError
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// atempoMin/atempoMax bound the time-stretch factor ffmpeg's atempo
// filter can apply in a single stage; durationTolerance is the gap below
// which no stretch is applied at all.
const (
	atempoMin         = 0.5
	atempoMax         = 2.0
	durationTolerance = 100_000_000 // 100ms in nanoseconds
	maxRestartAttempts = 3
)

// MuxedFragment is one muxed container fragment ready for publication.
type MuxedFragment struct {
	PTSNanos int64
	Payload  []byte
}

// Config configures an output Pipeline.
type Config struct {
	FFmpegPath   string // default "ffmpeg"
	OutputURL    string
	VideoCodec   string // default "copy"
	AudioCodec   string // default "aac"
	PublishRate  float64 // bytes/sec pacing cap; 0 disables extra pacing beyond ffmpeg's own -re
}

func (c *Config) setDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.VideoCodec == "" {
		c.VideoCodec = "copy"
	}
	if c.AudioCodec == "" {
		c.AudioCodec = "aac"
	}
}

type storedVideo struct {
	data     []byte
	ptsNanos int64
	duration int64
}

// Pipeline manages the mux+publish subprocess and the push_video/
// push_audio store-then-mux contract.
type Pipeline struct {
	cfg Config

	mu    sync.Mutex
	state State
	video *storedVideo

	restarts int
	queue    []MuxedFragment

	limiter *rate.Limiter

	cmd    *exec.Cmd
	stdin  io.WriteCloser
}

// Build validates configuration, returning a Pipeline in StateNull.
func Build(cfg Config) (*Pipeline, error) {
	cfg.setDefaults()
	if cfg.OutputURL == "" {
		return nil, wderr.New(wderr.WriteMuxFailure, "output.build", fmt.Errorf("output url is empty"))
	}
	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		return nil, wderr.New(wderr.WriteMuxFailure, "output.build", fmt.Errorf("ffmpeg not found: %w", err))
	}
	p := &Pipeline{cfg: cfg, state: StateNull}
	if cfg.PublishRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), int(cfg.PublishRate))
	}
	return p, nil
}

// Start launches the publishing subprocess, transitioning READY -> PLAYING.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateReady
	if err := p.startLocked(ctx); err != nil {
		p.state = StateError
		return err
	}
	p.state = StatePlaying
	return nil
}

func (p *Pipeline) startLocked(ctx context.Context) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-re", "-f", "mp4", "-i", "pipe:0",
		"-c:v", p.cfg.VideoCodec, "-c:a", p.cfg.AudioCodec,
		"-f", "flv", p.cfg.OutputURL,
	}
	cmd := exec.CommandContext(ctx, p.cfg.FFmpegPath, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return wderr.New(wderr.WriteMuxFailure, "output.start", err)
	}
	if err := cmd.Start(); err != nil {
		return wderr.New(wderr.WriteMuxFailure, "output.start", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	return nil
}

// PushVideo stores the current video partial; it must precede a matching
// PushAudio call for the same batch.
func (p *Pipeline) PushVideo(data []byte, ptsNanos, durationNanos int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.video = &storedVideo{data: data, ptsNanos: ptsNanos, duration: durationNanos}
}

// PushAudio muxes the stored video with this audio into one fragment and
// enqueues it for publication. Returns false (with no error) if audio
// arrived with no matching stored video, or if atempo could not be
// applied and the pair was dropped per spec.md §4.9.
func (p *Pipeline) PushAudio(ctx context.Context, data []byte, ptsNanos, durationNanos int64) (bool, error) {
	p.mu.Lock()
	video := p.video
	p.video = nil
	p.mu.Unlock()

	if video == nil {
		return false, nil
	}

	audioPayload := data
	gap := video.duration - durationNanos
	if gap < 0 {
		gap = -gap
	}
	if gap > durationTolerance {
		factor := float64(video.duration) / float64(durationNanos)
		if factor < atempoMin || factor > atempoMax {
			return false, nil // dropped: atempo cannot express this stretch
		}
		stretched, err := applyAtempo(ctx, p.cfg.FFmpegPath, audioPayload, factor)
		if err != nil {
			return false, nil // dropped: muxer could not apply the stretch
		}
		audioPayload = stretched
	}

	muxed, err := mux(ctx, p.cfg.FFmpegPath, video.data, audioPayload)
	if err != nil {
		return false, wderr.New(wderr.WriteMuxFailure, "output.mux", err)
	}

	p.mu.Lock()
	p.queue = append(p.queue, MuxedFragment{PTSNanos: video.ptsNanos, Payload: muxed})
	p.mu.Unlock()

	return p.publishQueued(ctx)
}

func (p *Pipeline) publishQueued(ctx context.Context) (bool, error) {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	stdin := p.stdin
	p.mu.Unlock()

	if stdin == nil {
		return false, wderr.New(wderr.WriteMuxFailure, "output.publish", fmt.Errorf("pipeline not started"))
	}

	for _, frag := range queue {
		if p.limiter != nil {
			if err := p.limiter.WaitN(ctx, len(frag.Payload)); err != nil {
				return false, wderr.New(wderr.WriteMuxFailure, "output.publish", err)
			}
		}
		if _, err := stdin.Write(frag.Payload); err != nil {
			if restartErr := p.handlePublishFailure(ctx, err); restartErr != nil {
				return false, restartErr
			}
			return false, nil
		}
	}

	p.mu.Lock()
	p.restarts = 0
	p.mu.Unlock()
	return true, nil
}

// handlePublishFailure restarts the publishing subprocess up to
// maxRestartAttempts consecutive times, resetting the counter on any
// intervening success (in publishQueued). Queued pre-restart fragments are
// discarded: their timestamps are stale against the new process's clock.
func (p *Pipeline) handlePublishFailure(ctx context.Context, cause error) error {
	p.mu.Lock()
	p.queue = nil
	p.restarts++
	restarts := p.restarts
	p.mu.Unlock()

	if restarts > maxRestartAttempts {
		p.mu.Lock()
		p.state = StateError
		p.mu.Unlock()
		return wderr.New(wderr.WriteMuxFailure, "output.restart", fmt.Errorf("exceeded %d restart attempts: %w", maxRestartAttempts, cause))
	}

	p.mu.Lock()
	err := p.startLocked(ctx)
	p.mu.Unlock()
	return err
}

// Stop gracefully stops publication. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.state = StateNull
}

// Cleanup releases resources; idempotent, safe on all exit paths.
func (p *Pipeline) Cleanup() {
	p.Stop()
	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

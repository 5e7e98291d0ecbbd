package output

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// writeTempInputs spills the video/audio payloads to temp files since
// ffmpeg needs seekable/probeable inputs for muxing (two concurrent
// stdin pipes cannot be demultiplexed by a single ffmpeg process).
func writeTempInputs(video, audio []byte) (videoPath, audioPath string, cleanup func(), err error) {
	vf, err := os.CreateTemp("", "output-video-*.h264")
	if err != nil {
		return "", "", nil, err
	}
	if _, err := vf.Write(video); err != nil {
		vf.Close()
		os.Remove(vf.Name())
		return "", "", nil, err
	}
	vf.Close()

	af, err := os.CreateTemp("", "output-audio-*.adts")
	if err != nil {
		os.Remove(vf.Name())
		return "", "", nil, err
	}
	if _, err := af.Write(audio); err != nil {
		af.Close()
		os.Remove(vf.Name())
		os.Remove(af.Name())
		return "", "", nil, err
	}
	af.Close()

	cleanup = func() {
		os.Remove(vf.Name())
		os.Remove(af.Name())
	}
	return vf.Name(), af.Name(), cleanup, nil
}

// applyAtempo time-stretches a raw AAC/ADTS audio payload by factor
// (clamped to [0.5, 2.0] by the caller) via ffmpeg's atempo filter.
func applyAtempo(ctx context.Context, ffmpegPath string, payload []byte, factor float64) ([]byte, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "adts", "-i", "pipe:0",
		"-filter:a", fmt.Sprintf("atempo=%.4f", factor),
		"-f", "adts", "pipe:1",
	)
	cmd.Stdin = bytes.NewReader(payload)
	var out bytes.Buffer
	cmd.Stdout = &out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("atempo: %w: %s", err, stderr.String())
	}
	return out.Bytes(), nil
}

// mux combines one video access unit and one audio fragment into a single
// fragmented-MP4 container via ffmpeg, reading each from a temporary file
// and writing the muxed result to stdout.
func mux(ctx context.Context, ffmpegPath string, video, audio []byte) ([]byte, error) {
	videoPath, audioPath, cleanup, err := writeTempInputs(video, audio)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "h264", "-i", videoPath,
		"-f", "adts", "-i", audioPath,
		"-c:v", "copy", "-c:a", "copy",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4", "pipe:1",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("mux: %w: %s", err, stderr.String())
	}
	return out.Bytes(), nil
}

package segment

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/media-service/dubbing-worker/internal/model"
	"github.com/media-service/dubbing-worker/internal/wderr"
)

// Writer persists audio segments to disk (required — STS upload reads from
// the persisted form) and optionally muxes video segments into a
// container, grounded on original_source's video/segment_writer.py
// (atomic write + file_size update contract).
type Writer struct {
	baseDir      string
	sampleRateHz int
	channels     int
}

// NewWriter constructs a Writer rooted at baseDir, assuming 48kHz stereo
// PCM input (ingest's own defaults).
func NewWriter(baseDir string) *Writer {
	return NewWriterWithAudioFormat(baseDir, 48000, 2)
}

// NewWriterWithAudioFormat constructs a Writer that wraps incoming PCM as
// WAV using the given sample rate and channel count, matching whatever
// the stream's ingest pipeline actually demuxes.
func NewWriterWithAudioFormat(baseDir string, sampleRateHz, channels int) *Writer {
	return &Writer{baseDir: baseDir, sampleRateHz: sampleRateHz, channels: channels}
}

func (w *Writer) pathFor(streamID string, batch int64, suffix string) string {
	return filepath.Join(w.baseDir, streamID, fmt.Sprintf("%06d_%s", batch, suffix))
}

// Write wraps an audio segment's raw PCM payload in a WAV container and
// persists it atomically (write to a temp file, then rename), returning
// the segment with FilePath/SizeBytes set to the wrapped form — the same
// bytes the STS Client later reads back via ReadPayload.
func (w *Writer) Write(seg model.AudioSegment, payload []byte) (model.AudioSegment, error) {
	wrapped := wrapPCM(payload, w.sampleRateHz, w.channels)
	path := w.pathFor(seg.StreamID, seg.BatchNumber, "audio.wav")
	if err := atomicWrite(path, wrapped); err != nil {
		return seg, wderr.New(wderr.WriteMuxFailure, "segment.write", err)
	}
	seg.FilePath = path
	seg.SizeBytes = int64(len(wrapped))
	return seg, nil
}

// WriteDubbed stores the dubbed counterpart under a sibling filename and
// marks the segment is_dubbed.
func (w *Writer) WriteDubbed(seg model.AudioSegment, payload []byte) (model.AudioSegment, error) {
	path := w.pathFor(seg.StreamID, seg.BatchNumber, "audio_dubbed.wav")
	if err := atomicWrite(path, payload); err != nil {
		return seg, wderr.New(wderr.WriteMuxFailure, "segment.write_dubbed", err)
	}
	seg.DubbedPath = path
	seg.IsDubbed = true
	return seg, nil
}

// WriteVideoMuxed muxes a concatenated video payload into a valid MP4
// container via an external muxer (ffmpeg), since GStreamer-style
// concatenated-frame data cannot be muxed without a proper demux/remux
// pass. Fails loudly if the muxer errors or produces an empty file.
func (w *Writer) WriteVideoMuxed(seg model.VideoSegment, payload []byte, ffmpegPath string) (model.VideoSegment, error) {
	path := w.pathFor(seg.StreamID, seg.BatchNumber, "video.mp4")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return seg, wderr.New(wderr.WriteMuxFailure, "segment.write_video", err)
	}

	tmpIn, err := os.CreateTemp("", "segment-video-*.h264")
	if err != nil {
		return seg, wderr.New(wderr.WriteMuxFailure, "segment.write_video", err)
	}
	defer os.Remove(tmpIn.Name())
	if _, err := tmpIn.Write(payload); err != nil {
		tmpIn.Close()
		return seg, wderr.New(wderr.WriteMuxFailure, "segment.write_video", err)
	}
	tmpIn.Close()

	cmd := exec.Command(ffmpegPath, "-y", "-f", "h264", "-i", tmpIn.Name(), "-c", "copy", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return seg, wderr.New(wderr.WriteMuxFailure, "segment.write_video", fmt.Errorf("%w: %s", err, out))
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return seg, wderr.New(wderr.WriteMuxFailure, "segment.write_video", fmt.Errorf("muxed file empty or missing"))
	}

	seg.FilePath = path
	seg.SizeBytes = info.Size()
	return seg, nil
}

// ReadPayload reads back a previously written audio segment's bytes
// (the STS Client needs the raw payload, not just the on-disk path).
func (w *Writer) ReadPayload(seg model.AudioSegment) ([]byte, error) {
	data, err := os.ReadFile(seg.FilePath)
	if err != nil {
		return nil, wderr.New(wderr.WriteMuxFailure, "segment.read", err)
	}
	return data, nil
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

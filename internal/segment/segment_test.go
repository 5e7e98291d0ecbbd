package segment

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/media-service/dubbing-worker/internal/model"
)

func TestBufferEmitsAtTargetDuration(t *testing.T) {
	b := New(int64(30*time.Second), int64(time.Second))
	if _, ok := b.Push(make([]byte, 10), 0, int64(20*time.Second)); ok {
		t.Fatal("expected no emission below target")
	}
	e, ok := b.Push(make([]byte, 10), int64(20*time.Second), int64(15*time.Second))
	if !ok {
		t.Fatal("expected emission once target duration reached")
	}
	if e.BatchNumber != 0 {
		t.Fatalf("expected first batch number 0, got %d", e.BatchNumber)
	}
	if e.Duration < int64(30*time.Second) {
		t.Fatalf("expected accumulated duration >= target, got %v", e.Duration)
	}
}

func TestBufferBatchNumbersStrictlyIncreasing(t *testing.T) {
	b := New(int64(time.Second), int64(100*time.Millisecond))
	var batches []int64
	for i := 0; i < 3; i++ {
		e, ok := b.Push(make([]byte, 1), 0, int64(time.Second))
		if !ok {
			t.Fatal("expected emission each push at this target duration")
		}
		batches = append(batches, e.BatchNumber)
	}
	for i, want := range []int64{0, 1, 2} {
		if batches[i] != want {
			t.Fatalf("expected strictly increasing batch numbers, got %v", batches)
		}
	}
}

func TestFlushDiscardsBelowMinimum(t *testing.T) {
	b := New(int64(30*time.Second), int64(time.Second))
	b.Push(make([]byte, 1), 0, int64(500*time.Millisecond))
	if _, ok := b.Flush(); ok {
		t.Fatal("expected residual below minimum to be discarded")
	}
}

func TestFlushEmitsPartialAboveMinimum(t *testing.T) {
	b := New(int64(30*time.Second), int64(time.Second))
	b.Push(make([]byte, 1), 0, int64(5*time.Second))
	e, ok := b.Flush()
	if !ok {
		t.Fatal("expected partial segment emission between min and target")
	}
	if e.Duration != int64(5*time.Second) {
		t.Fatalf("expected partial duration preserved, got %v", e.Duration)
	}
}

func TestWriterWriteSetsSizeAndExists(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	seg := model.AudioSegment{StreamID: "s1", BatchNumber: 0}
	payload := []byte("hello-audio")

	out, err := w.Write(seg, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.SizeBytes != int64(len(payload))+44 {
		t.Fatalf("expected size_bytes == len(payload)+44-byte WAV header, got %d", out.SizeBytes)
	}
	if _, err := os.Stat(out.FilePath); err != nil {
		t.Fatalf("expected file to exist at %s: %v", out.FilePath, err)
	}
	if filepath.Dir(out.FilePath) != filepath.Join(dir, "s1") {
		t.Fatalf("unexpected path layout: %s", out.FilePath)
	}

	written, err := os.ReadFile(out.FilePath)
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(written[:4]) != "RIFF" || string(written[8:12]) != "WAVE" {
		t.Fatalf("expected WAV container header, got %q", written[:12])
	}
}

func TestWrapPCMProducesValidHeader(t *testing.T) {
	pcm := make([]byte, 320)
	wrapped := wrapPCM(pcm, 48000, 2)
	if len(wrapped) != len(pcm)+44 {
		t.Fatalf("expected 44-byte WAV header plus payload, got %d bytes", len(wrapped))
	}
	if string(wrapped[:4]) != "RIFF" || string(wrapped[8:12]) != "WAVE" {
		t.Fatalf("expected RIFF/WAVE markers, got %q/%q", wrapped[:4], wrapped[8:12])
	}
}

func TestWriterWriteDubbedMarksFlag(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	seg := model.AudioSegment{StreamID: "s1", BatchNumber: 1}

	out, err := w.WriteDubbed(seg, []byte("dubbed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsDubbed {
		t.Fatal("expected is_dubbed to be set")
	}
	if _, err := os.Stat(out.DubbedPath); err != nil {
		t.Fatalf("expected dubbed file to exist: %v", err)
	}
}

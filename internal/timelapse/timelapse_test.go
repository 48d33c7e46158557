package timelapse

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/allsky/internal/config"
)

func testCfg() config.TimelapseConfig {
	return config.TimelapseConfig{
		Enabled:   true,
		FFmpegBin: "ffmpeg",
		FrameRate: 25,
		Bitrate:   "5000k",
		Codec:     "libx264",
	}
}

func TestEnqueueSingleSlot(t *testing.T) {
	r := NewRunner(testCfg(), t.TempDir(), nil, zap.NewNop())

	job := Job{DayDate: time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), Night: true}
	if err := r.Enqueue(job); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := r.Enqueue(job); !errors.Is(err, ErrBusy) {
		t.Fatalf("second enqueue = %v, want ErrBusy", err)
	}
}

func TestEnqueueRefusedWhileEncodeRuns(t *testing.T) {
	r := NewRunner(testCfg(), t.TempDir(), nil, zap.NewNop())
	job := Job{DayDate: time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), Night: true}

	// The queue slot is free once Run dequeues, but an active encode must
	// still refuse new work.
	r.setActive(true)
	if err := r.Enqueue(job); !errors.Is(err, ErrBusy) {
		t.Fatalf("enqueue during encode = %v, want ErrBusy", err)
	}

	r.setActive(false)
	if err := r.Enqueue(job); err != nil {
		t.Fatalf("enqueue after encode: %v", err)
	}
}

func TestScanDiskFindsAndSortsFrames(t *testing.T) {
	imageDir := t.TempDir()
	night := filepath.Join(imageDir, "20240314", "night")

	names := []string{
		"22_00/20240314_220015.jpg",
		"03_15/20240315_031500.jpg",
		"23_45/20240314_234500.jpg",
	}
	for _, n := range names {
		p := filepath.Join(night, n)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Non-frame files are ignored.
	if err := os.WriteFile(filepath.Join(night, "keogram-20240314.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(testCfg(), imageDir, nil, zap.NewNop())
	frames, err := r.scanDisk(Job{DayDate: time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), Night: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("found %d frames, want 3", len(frames))
	}
	if filepath.Base(frames[0]) != "20240314_220015.jpg" ||
		filepath.Base(frames[2]) != "20240315_031500.jpg" {
		t.Errorf("frames not in time order: %v", frames)
	}
}

func TestScanDiskMissingIntervalIsEmpty(t *testing.T) {
	r := NewRunner(testCfg(), t.TempDir(), nil, zap.NewNop())
	frames, err := r.scanDisk(Job{DayDate: time.Now(), Night: false})
	if err != nil {
		t.Fatalf("missing interval: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("frames = %v, want none", frames)
	}
}

func TestPrepareBuildsSequence(t *testing.T) {
	srcDir := t.TempDir()
	var frames []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(srcDir, "20240314_2200"+string(rune('0'+i))+"0.jpg")
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		frames = append(frames, p)
	}

	cfg := testCfg()
	cfg.ScratchDir = t.TempDir()
	r := NewRunner(cfg, t.TempDir(), nil, zap.NewNop())

	scratch, err := r.prepare(frames, Job{DayDate: time.Now(), Night: true})
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(scratch)

	for i := 0; i < 3; i++ {
		link := filepath.Join(scratch, "0000"+string(rune('0'+i))+".jpg")
		target, err := os.Readlink(link)
		if err != nil {
			t.Fatalf("sequence link %d: %v", i, err)
		}
		if target != frames[i] {
			t.Errorf("link %d points at %q, want %q", i, target, frames[i])
		}
	}
}

func TestMarkFailed(t *testing.T) {
	outDir := t.TempDir()
	r := NewRunner(testCfg(), outDir, nil, zap.NewNop())

	job := Job{DayDate: time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), Night: true}
	r.markFailed(outDir, job, errors.New("encoder exploded"))

	marker := filepath.Join(outDir, "allsky-timelapse-20240314-night.failed")
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("marker file is empty")
	}
}

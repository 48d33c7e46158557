package keogram

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/config"
	"github.com/mikeyg42/allsky/internal/image"
)

func solidFrame(t *testing.T, rows, cols int, val byte) gocv.Mat {
	t.Helper()
	data := make([]byte, rows*cols*3)
	for i := range data {
		data[i] = val
	}
	m, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC3, data)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestColumnPerFrame(t *testing.T) {
	k := New(config.KeogramConfig{Enabled: true, MaxFrames: 1000}, t.TempDir(), zap.NewNop())
	defer k.Close()

	const frames = 500
	img := solidFrame(t, 1080, 1920, 128)
	defer img.Close()

	at := time.Date(2024, 3, 14, 20, 0, 0, 0, time.UTC)
	for i := 0; i < frames; i++ {
		f := &image.Frame{Seq: uint64(i), CapturedAt: at.Add(time.Duration(i) * 15 * time.Second)}
		k.Accept(f, img)
	}

	if got := k.Columns(); got != frames {
		t.Fatalf("columns = %d, want %d", got, frames)
	}
}

func TestMaxFramesBound(t *testing.T) {
	k := New(config.KeogramConfig{Enabled: true, MaxFrames: 10}, t.TempDir(), zap.NewNop())
	defer k.Close()

	img := solidFrame(t, 100, 100, 50)
	defer img.Close()

	at := time.Now().UTC()
	for i := 0; i < 25; i++ {
		k.Accept(&image.Frame{Seq: uint64(i), CapturedAt: at}, img)
	}
	if got := k.Columns(); got != 10 {
		t.Fatalf("columns = %d, want bound at 10", got)
	}
}

func TestFlushWritesAndResets(t *testing.T) {
	dir := t.TempDir()
	k := New(config.KeogramConfig{Enabled: true, MaxFrames: 100}, dir, zap.NewNop())
	defer k.Close()

	img := solidFrame(t, 64, 64, 200)
	defer img.Close()

	at := time.Date(2024, 3, 14, 20, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		k.Accept(&image.Frame{Seq: uint64(i), CapturedAt: at.Add(time.Duration(i) * time.Minute)}, img)
	}

	dayDate := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	path, err := k.Flush(dayDate, true)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "20240314", "allsky-keogram-20240314-night.jpg")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	loaded := gocv.IMRead(path, gocv.IMReadColor)
	defer loaded.Close()
	if loaded.Empty() {
		t.Fatal("flushed keogram unreadable")
	}
	if loaded.Cols() != 20 || loaded.Rows() != 64 {
		t.Errorf("flushed geometry %dx%d, want 20x64", loaded.Cols(), loaded.Rows())
	}

	if got := k.Columns(); got != 0 {
		t.Errorf("columns after flush = %d, want 0", got)
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	k := New(config.KeogramConfig{Enabled: true}, t.TempDir(), zap.NewNop())
	defer k.Close()
	path, err := k.Flush(time.Now(), false)
	if err != nil || path != "" {
		t.Fatalf("empty flush: path=%q err=%v", path, err)
	}
}

func TestDayAndNightStripsDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	k := New(config.KeogramConfig{Enabled: true, MaxFrames: 100}, dir, zap.NewNop())
	defer k.Close()

	dayDate := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	at := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	dayImg := solidFrame(t, 32, 32, 220)
	defer dayImg.Close()
	k.Accept(&image.Frame{Seq: 1, CapturedAt: at}, dayImg)
	dayPath, err := k.Flush(dayDate, false)
	if err != nil {
		t.Fatal(err)
	}

	nightImg := solidFrame(t, 32, 32, 15)
	defer nightImg.Close()
	k.Accept(&image.Frame{Seq: 2, CapturedAt: at.Add(10 * time.Hour)}, nightImg)
	nightPath, err := k.Flush(dayDate, true)
	if err != nil {
		t.Fatal(err)
	}

	if dayPath == nightPath {
		t.Fatalf("day and night strips share a path: %q", dayPath)
	}
	for _, p := range []string{dayPath, nightPath} {
		loaded := gocv.IMRead(p, gocv.IMReadColor)
		if loaded.Empty() {
			t.Errorf("strip %s unreadable", p)
		}
		loaded.Close()
	}
}

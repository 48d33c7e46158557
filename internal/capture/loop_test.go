package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/allsky/internal/astro"
	"github.com/mikeyg42/allsky/internal/camera"
	"github.com/mikeyg42/allsky/internal/config"
	"github.com/mikeyg42/allsky/internal/daynight"
	"github.com/mikeyg42/allsky/internal/image"
	"github.com/mikeyg42/allsky/internal/state"
)

// flakyCamera fails every operation after Connect; it exercises the reset
// ladder without waiting on real exposures.
type flakyCamera struct {
	connects int
}

func (f *flakyCamera) Connect(string) (camera.Info, error) {
	f.connects++
	return camera.Info{Name: "flaky", Width: 64, Height: 64, BitDepth: 8}, nil
}
func (f *flakyCamera) SetGain(int32) error               { return nil }
func (f *flakyCamera) SetBinning(int32) error            { return nil }
func (f *flakyCamera) SetFrameType(camera.FrameType) error { return nil }
func (f *flakyCamera) SensorTemp() (float32, error)      { return 0, camera.ErrUnsupported }
func (f *flakyCamera) Shoot(context.Context, float32) error {
	return camera.ErrHardware
}
func (f *flakyCamera) WaitBlob(context.Context) (*camera.Blob, error) {
	return nil, camera.ErrHardware
}
func (f *flakyCamera) Disconnect() error { return nil }

// stubCamera delivers tiny blobs instantly so loop tests can run the full
// capture path without exposures.
type stubCamera struct {
	shoots int
}

func (s *stubCamera) Connect(string) (camera.Info, error) {
	return camera.Info{Name: "stub", Width: 8, Height: 8, BitDepth: 8}, nil
}
func (s *stubCamera) SetGain(int32) error                  { return nil }
func (s *stubCamera) SetBinning(int32) error               { return nil }
func (s *stubCamera) SetFrameType(camera.FrameType) error  { return nil }
func (s *stubCamera) SensorTemp() (float32, error)         { return 0, camera.ErrUnsupported }
func (s *stubCamera) Shoot(context.Context, float32) error { s.shoots++; return nil }
func (s *stubCamera) WaitBlob(context.Context) (*camera.Blob, error) {
	return &camera.Blob{
		Data:       make([]byte, 64),
		BitDepth:   8,
		Width:      8,
		Height:     8,
		CapturedAt: time.Now().UTC(),
	}, nil
}
func (s *stubCamera) Disconnect() error { return nil }

// stubSink records enqueued jobs and reports a settable health state.
type stubSink struct {
	degraded bool
	jobs     int
}

func (s *stubSink) Enqueue(*image.Job)                   { s.jobs++ }
func (s *stubSink) SetConfig(config.ImageConfig, float64) {}
func (s *stubSink) Degraded() bool                        { return s.degraded }

func testLoop(cam camera.Camera) *Loop {
	cfg := config.Default()
	obs := astro.Observer{
		LatitudeDeg:  cfg.Location.LatitudeDeg,
		LongitudeDeg: cfg.Location.LongitudeDeg,
	}
	mgr := daynight.New(obs,
		daynight.Thresholds{NightSunAltDeg: cfg.Capture.NightSunAltDeg},
		zap.NewNop())
	return NewLoop(cfg, Deps{
		Camera:     cam,
		Manager:    mgr,
		Controller: NewController(cfg.Capture, false, zap.NewNop()),
		Cells:      state.NewCells(),
		Log:        zap.NewNop(),
	})
}

func TestRecoverGivesUpAfterClusteredFailures(t *testing.T) {
	cam := &flakyCamera{}
	l := testLoop(cam)

	ctx := context.Background()
	if err := l.connect(ctx); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("shoot: hardware")
	for i := 0; i < resetLimit-1; i++ {
		if err := l.recover(ctx, cause); err != nil {
			t.Fatalf("reset %d should succeed: %v", i+1, err)
		}
	}
	if err := l.recover(ctx, cause); !errors.Is(err, ErrCameraGone) {
		t.Fatalf("err = %v, want ErrCameraGone after %d clustered failures", err, resetLimit)
	}
	if cam.connects < resetLimit {
		t.Errorf("camera reconnected %d times, want at least %d", cam.connects, resetLimit)
	}
}

func sinkLoop(cam camera.Camera, sink FrameSink) *Loop {
	cfg := config.Default()
	cfg.Capture.DaytimeCapture = true
	cfg.Capture.PeriodSec = 0.001
	cfg.Capture.DaytimeIdlePeriodSec = 0.001
	obs := astro.Observer{
		LatitudeDeg:  cfg.Location.LatitudeDeg,
		LongitudeDeg: cfg.Location.LongitudeDeg,
	}
	mgr := daynight.New(obs,
		daynight.Thresholds{NightSunAltDeg: cfg.Capture.NightSunAltDeg},
		zap.NewNop())
	return NewLoop(cfg, Deps{
		Camera:     cam,
		Manager:    mgr,
		Controller: NewController(cfg.Capture, false, zap.NewNop()),
		Worker:     sink,
		Cells:      state.NewCells(),
		Log:        zap.NewNop(),
	})
}

func TestDegradedSinkHoldsCaptures(t *testing.T) {
	cam := &stubCamera{}
	sink := &stubSink{degraded: true}
	l := sinkLoop(cam, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if cam.shoots != 0 {
		t.Errorf("camera shot %d frames while the sink was degraded", cam.shoots)
	}
	if sink.jobs != 0 {
		t.Errorf("%d jobs enqueued while the sink was degraded", sink.jobs)
	}
}

func TestHealthySinkReceivesCaptures(t *testing.T) {
	cam := &stubCamera{}
	sink := &stubSink{}
	l := sinkLoop(cam, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if sink.jobs == 0 {
		t.Error("no jobs reached a healthy sink")
	}
}

func TestReloadReplacesPending(t *testing.T) {
	l := testLoop(&flakyCamera{})

	a := config.Default()
	b := config.Default()
	b.Capture.PeriodSec = 99

	l.Reload(a)
	l.Reload(b) // replaces a, never blocks

	select {
	case got := <-l.reloadCh:
		if got.Capture.PeriodSec != 99 {
			t.Errorf("pending reload is the stale config")
		}
	default:
		t.Fatal("no pending reload")
	}
}

func TestSleepHonoursCancel(t *testing.T) {
	l := testLoop(&flakyCamera{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.sleep(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleep did not return on cancel")
	}
}

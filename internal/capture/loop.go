package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/allsky/internal/camera"
	"github.com/mikeyg42/allsky/internal/config"
	"github.com/mikeyg42/allsky/internal/darks"
	"github.com/mikeyg42/allsky/internal/daynight"
	"github.com/mikeyg42/allsky/internal/image"
	"github.com/mikeyg42/allsky/internal/state"
	"github.com/mikeyg42/allsky/internal/timelapse"
)

// ErrCameraGone means the reset ladder gave up; the process should exit
// with the hardware-failure status.
var ErrCameraGone = errors.New("capture: camera unrecoverable")

// resetWindow and resetLimit bound the reset ladder: this many consecutive
// failures inside the window is a dead camera.
const (
	resetWindow = 60 * time.Second
	resetLimit  = 3
)

// Flusher closes an aggregator's interval; the keogram implements it. night
// names the phase of the interval being closed.
type Flusher interface {
	Flush(dayDate time.Time, night bool) (string, error)
}

// BoundaryHandler is notified of day/night transitions; the star-trail
// stack implements it.
type BoundaryHandler interface {
	Boundary(b daynight.Boundary)
}

// LightgraphWriter renders the daily sun-altitude strip.
type LightgraphWriter interface {
	Write(dayDate, now time.Time) (string, error)
}

// FrameSink receives raw captures; the image worker implements it. Degraded
// reports that frames are being lost downstream (failing saves, sustained
// queue overflow) and the loop should hold new captures.
type FrameSink interface {
	Enqueue(job *image.Job)
	SetConfig(cfg config.ImageConfig, maskADU float64)
	Degraded() bool
}

// Loop drives the camera. Everything here runs on one goroutine; the worker
// and the encoders run on their own.
type Loop struct {
	cam    camera.Camera
	info   camera.Info
	mgr    *daynight.Manager
	ctrl   *Controller
	worker FrameSink
	cells  *state.Cells
	darks  *darks.Cache
	log    *zap.Logger

	keogram    Flusher
	trails     BoundaryHandler
	lightgraph LightgraphWriter
	runner     *timelapse.Runner

	cfg      *config.Config
	reloadCh chan *config.Config

	seq        uint64
	regime     daynight.Regime
	regimeSet  bool
	resetTimes []time.Time

	degraded      bool
	degradedRetry time.Time
}

// Deps wires the loop's collaborators; nil aggregator fields disable the
// corresponding output.
type Deps struct {
	Camera     camera.Camera
	Manager    *daynight.Manager
	Controller *Controller
	Worker     FrameSink
	Cells      *state.Cells
	Darks      *darks.Cache
	Keogram    Flusher
	Trails     BoundaryHandler
	Lightgraph LightgraphWriter
	Timelapse  *timelapse.Runner
	Log        *zap.Logger
}

func NewLoop(cfg *config.Config, d Deps) *Loop {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		cam:        d.Camera,
		mgr:        d.Manager,
		ctrl:       d.Controller,
		worker:     d.Worker,
		cells:      d.Cells,
		darks:      d.Darks,
		keogram:    d.Keogram,
		trails:     d.Trails,
		lightgraph: d.Lightgraph,
		runner:     d.Timelapse,
		log:        log.Named("capture"),
		cfg:        cfg,
		reloadCh:   make(chan *config.Config, 1),
	}
}

// Reload hands a validated config to the loop; it takes effect before the
// next shoot. A pending reload not yet consumed is replaced.
func (l *Loop) Reload(cfg *config.Config) {
	for {
		select {
		case l.reloadCh <- cfg:
			return
		default:
		}
		select {
		case <-l.reloadCh:
		default:
		}
	}
}

// Run connects and captures until ctx is cancelled. Returns ErrCameraGone
// when the camera cannot be recovered.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.connect(ctx); err != nil {
		return err
	}
	defer l.cam.Disconnect()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		select {
		case cfg := <-l.reloadCh:
			l.applyConfig(cfg)
		default:
		}

		now := time.Now().UTC()
		decision := l.mgr.Update(now)
		l.publish(decision)

		if decision.Boundary != nil {
			l.onBoundary(*decision.Boundary, now)
		}
		if !l.regimeSet || decision.Regime != l.regime {
			l.reconfigure(decision.Regime)
		}

		if decision.Regime == daynight.RegimeDay && !l.cfg.Capture.DaytimeCapture {
			l.sleep(ctx, time.Duration(l.cfg.Capture.DaytimeIdlePeriodSec*float64(time.Second)))
			continue
		}

		period := time.Duration(l.cfg.Capture.PeriodSec * float64(time.Second))

		if l.worker != nil && l.worker.Degraded() {
			if !l.degraded {
				l.degraded = true
				l.degradedRetry = time.Now()
				l.log.Error("frame sink degraded, holding captures")
			}
			// One capture per window tests whether the sink recovered;
			// everything else is refused.
			if time.Since(l.degradedRetry) < resetWindow {
				l.sleep(ctx, period)
				continue
			}
			l.degradedRetry = time.Now()
		} else if l.degraded {
			l.degraded = false
			l.log.Info("frame sink recovered, capturing again")
		}

		start := time.Now()
		if err := l.captureOne(ctx, decision); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if rerr := l.recover(ctx, err); rerr != nil {
				return rerr
			}
			continue
		}

		if rest := period - time.Since(start); rest > 0 {
			l.sleep(ctx, rest)
		}
	}
}

func (l *Loop) connect(ctx context.Context) error {
	ebo := backoff.NewExponentialBackOff()
	ebo.MaxElapsedTime = 2 * time.Minute

	op := func() error {
		info, err := l.cam.Connect(l.cfg.Camera.Endpoint)
		if err != nil {
			l.log.Warn("camera connect failed", zap.Error(err))
			return err
		}
		l.info = info
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(ebo, ctx)); err != nil {
		return fmt.Errorf("%w: %v", ErrCameraGone, err)
	}

	l.log.Info("camera connected",
		zap.String("name", l.info.Name),
		zap.Uint32("width", l.info.Width),
		zap.Uint32("height", l.info.Height),
		zap.Uint8("bit_depth", l.info.BitDepth),
		zap.Stringer("bayer", l.info.Bayer))
	return nil
}

// captureOne runs one shoot/wait cycle and hands the blob to the worker.
func (l *Loop) captureOne(ctx context.Context, d daynight.Decision) error {
	exposure := l.ctrl.Exposure()

	shootCtx, cancel := context.WithTimeout(ctx, l.cfg.Capture.ShootTimeout(float64(exposure)))
	defer cancel()

	if err := l.cam.Shoot(shootCtx, exposure); err != nil {
		return fmt.Errorf("shoot: %w", err)
	}
	blob, err := l.cam.WaitBlob(shootCtx)
	if err != nil {
		return fmt.Errorf("wait blob: %w", err)
	}

	temp, terr := l.cam.SensorTemp()
	if terr != nil && !errors.Is(terr, camera.ErrUnsupported) {
		l.log.Debug("sensor temperature unavailable", zap.Error(terr))
	}
	l.cells.SetSensorTemp(temp)
	l.cells.SetExposure(blob.ExposureSec)

	l.seq++
	l.worker.Enqueue(&image.Job{
		Blob:         blob,
		Seq:          l.seq,
		CapturedAt:   blob.CapturedAt,
		ExposureSec:  blob.ExposureSec,
		Gain:         blob.Gain,
		Binning:      blob.Binning,
		SensorTemp:   temp,
		Stable:       l.ctrl.Stable(),
		CameraID:     int32(l.cfg.Camera.ID),
		Regime:       d.Regime,
		DayDate:      d.DayDate,
		SunAltRad:    float32(d.SunAltRad),
		MoonAltRad:   float32(d.MoonAltRad),
		MoonPhasePct: float32(d.MoonPhasePct),
	})
	return nil
}

// recover walks the reset ladder after a shoot failure: disconnect,
// reconnect, and give up when failures cluster.
func (l *Loop) recover(ctx context.Context, cause error) error {
	now := time.Now()
	l.resetTimes = append(l.resetTimes, now)
	recent := 0
	for _, t := range l.resetTimes {
		if now.Sub(t) <= resetWindow {
			recent++
		}
	}
	l.resetTimes = l.resetTimes[max(0, len(l.resetTimes)-resetLimit):]

	l.log.Warn("capture failed, resetting camera",
		zap.Error(cause), zap.Int("recent_failures", recent))

	if recent >= resetLimit {
		return fmt.Errorf("%w: %d failures in %s, last: %v",
			ErrCameraGone, recent, resetWindow, cause)
	}

	l.cam.Disconnect()
	if err := l.connect(ctx); err != nil {
		return err
	}
	l.regimeSet = false // force a reconfigure on the fresh connection
	return nil
}

// reconfigure applies per-regime CCD settings and switches the exposure
// target; the dark library is re-read so the new gain/binning bucket is hot.
func (l *Loop) reconfigure(r daynight.Regime) {
	ccd := l.cfg.CCD.CCDFor(r.Night(), r == daynight.RegimeNightMoon)

	if err := l.cam.SetGain(ccd.Gain); err != nil {
		l.log.Warn("set gain failed", zap.Error(err))
	}
	if err := l.cam.SetBinning(ccd.Binning); err != nil {
		l.log.Warn("set binning failed", zap.Error(err))
	}
	l.cells.SetGain(ccd.Gain)
	l.cells.SetBinning(ccd.Binning)

	l.ctrl.Retarget(l.cfg.Capture, r.Night())

	if l.darks != nil {
		if err := l.darks.Reload(); err != nil {
			l.log.Warn("dark library reload failed", zap.Error(err))
		}
	}

	l.log.Info("regime configured",
		zap.Stringer("regime", r),
		zap.Int32("gain", ccd.Gain),
		zap.Int32("binning", ccd.Binning))
	l.regime = r
	l.regimeSet = true
}

// onBoundary closes the finished interval: flush the strips, render the
// lightgraph and queue the timelapse.
func (l *Loop) onBoundary(b daynight.Boundary, now time.Time) {
	l.log.Info("day/night boundary",
		zap.Bool("to_night", b.ToNight),
		zap.Time("day_date", b.DayDate),
		zap.Float64("moon_phase", b.MoonPhase))

	var keogramPath string
	if l.keogram != nil {
		path, err := l.keogram.Flush(b.DayDate, b.WasNight)
		if err != nil {
			l.log.Error("keogram flush failed", zap.Error(err))
		}
		keogramPath = path
	}

	if l.trails != nil {
		l.trails.Boundary(b)
	}

	if l.lightgraph != nil && b.WasNight {
		if _, err := l.lightgraph.Write(b.DayDate, now); err != nil {
			l.log.Error("lightgraph write failed", zap.Error(err))
		}
	}

	wantTimelapse := b.WasNight || l.cfg.Capture.GenerateDayTimelapse
	if l.runner != nil && wantTimelapse {
		job := timelapse.Job{DayDate: b.DayDate, Night: b.WasNight, KeogramPath: keogramPath}
		if err := l.runner.Enqueue(job); err != nil {
			l.log.Warn("timelapse not queued", zap.Error(err))
		}
	}
}

func (l *Loop) applyConfig(cfg *config.Config) {
	l.cfg = cfg
	if l.worker != nil {
		l.worker.SetConfig(cfg.Image, cfg.StarTrails.MaskThreshold)
	}
	l.regimeSet = false // re-apply CCD settings and targets under the new config
	l.log.Info("configuration reloaded")
}

func (l *Loop) publish(d daynight.Decision) {
	l.cells.SetNight(d.Regime.Night())
	l.cells.SetMoonMode(d.Regime == daynight.RegimeNightMoon)
	l.cells.SetMoonPhase(float32(d.MoonPhasePct))
	l.cells.SetDayDate(d.DayDate)
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

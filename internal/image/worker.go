package image

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/camera"
	"github.com/mikeyg42/allsky/internal/config"
	"github.com/mikeyg42/allsky/internal/darks"
	"github.com/mikeyg42/allsky/internal/daynight"
	"github.com/mikeyg42/allsky/internal/state"
)

// Job is one raw capture handed from the capture loop to the worker,
// together with the telemetry sampled at shoot time.
type Job struct {
	Blob *camera.Blob
	Seq  uint64

	CapturedAt  time.Time
	ExposureSec float32
	Gain        int32
	Binning     int32
	SensorTemp  float32
	Stable      bool
	CameraID    int32

	Regime       daynight.Regime
	DayDate      time.Time
	SunAltRad    float32
	MoonAltRad   float32
	MoonPhasePct float32
}

// queueDepth bounds the raw-frame queue between the capture loop and the
// worker. At typical cadences the worker keeps up; the bound only matters
// when a stretch or ffmpeg run stalls the host.
const queueDepth = 4

// overloadWindow is how long the queue must stay in drop-oldest overflow
// before the worker reports itself degraded.
const overloadWindow = 60 * time.Second

// Worker consumes Jobs, runs the processing pipeline and fans the results
// out to the aggregators, the metadata store and the exposure controller.
type Worker struct {
	cells    *state.Cells
	darks    *darks.Cache
	hooks    *Hooks
	feedback ExposureFeedback
	recorder FrameRecorder
	log      *zap.Logger

	mu      sync.Mutex
	cfg     config.ImageConfig
	maskADU float64
	aggs    []Aggregator

	// Degradation tracking, unix nanos; zero means healthy.
	saveFailingSince atomic.Int64
	overloadSince    atomic.Int64

	jobs chan *Job
	done chan struct{}
}

func NewWorker(cfg config.ImageConfig, maskADU float64, cells *state.Cells,
	dc *darks.Cache, hooks *Hooks, feedback ExposureFeedback,
	recorder FrameRecorder, aggs []Aggregator, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if maskADU <= 0 {
		maskADU = 255
	}
	return &Worker{
		cells:    cells,
		darks:    dc,
		hooks:    hooks,
		feedback: feedback,
		recorder: recorder,
		log:      log.Named("worker"),
		cfg:      cfg,
		maskADU:  maskADU,
		aggs:     aggs,
		jobs:     make(chan *Job, queueDepth),
		done:     make(chan struct{}),
	}
}

// SetConfig swaps the image configuration and the saturation mask threshold
// after a validated reload.
func (w *Worker) SetConfig(cfg config.ImageConfig, maskADU float64) {
	if maskADU <= 0 {
		maskADU = 255
	}
	w.mu.Lock()
	w.cfg = cfg
	w.maskADU = maskADU
	w.mu.Unlock()
}

func (w *Worker) snapshot() (config.ImageConfig, float64, []Aggregator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg, w.maskADU, w.aggs
}

// Degraded reports whether frames are currently being lost: the last save
// failed (disk full, bad mount) or the input queue has been overflowing for
// longer than overloadWindow. The capture loop holds new captures while this
// is set.
func (w *Worker) Degraded() bool {
	if w.saveFailingSince.Load() != 0 {
		return true
	}
	since := w.overloadSince.Load()
	return since != 0 && time.Since(time.Unix(0, since)) > overloadWindow
}

// Enqueue hands a job to the worker without ever blocking the capture loop:
// when the queue is full the oldest queued job is discarded and counted, so
// the newest sky state always wins.
func (w *Worker) Enqueue(job *Job) {
	dropped := false
	for {
		select {
		case w.jobs <- job:
			if dropped {
				w.overloadSince.CompareAndSwap(0, time.Now().UnixNano())
			} else {
				w.overloadSince.Store(0)
			}
			return
		default:
		}
		select {
		case stale := <-w.jobs:
			dropped = true
			n := w.cells.AddDroppedFrame()
			w.log.Warn("dropping stale frame, worker behind",
				zap.Uint64("seq", stale.Seq),
				zap.Uint64("dropped_total", n))
		default:
		}
	}
}

// Run processes jobs until ctx is cancelled, then drains what is already
// queued before returning.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case job := <-w.jobs:
			w.process(ctx, job)
		case <-ctx.Done():
			for {
				select {
				case job := <-w.jobs:
					w.process(context.Background(), job)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run has drained and returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) process(ctx context.Context, job *Job) {
	start := time.Now()
	cfg, maskADU, aggs := w.snapshot()

	frame, img8, err := w.pipeline(job, cfg, maskADU)
	if err != nil {
		w.log.Error("frame processing failed",
			zap.Uint64("seq", job.Seq), zap.Error(err))
		return
	}
	defer img8.Close()

	// Derived sky measures occupy the user sensor slots.
	userSensors := []float32{frame.SQM, float32(frame.Stars)}

	if w.hooks != nil {
		w.hooks.RunPreSave(ctx, frame, []float32{job.SensorTemp}, userSensors)
	}

	path, err := w.save(img8, frame, cfg)
	if err != nil {
		w.saveFailingSince.CompareAndSwap(0, time.Now().UnixNano())
		w.log.Error("frame save failed", zap.Uint64("seq", job.Seq), zap.Error(err))
		return
	}
	w.saveFailingSince.Store(0)
	frame.Path = path

	// Exposure feedback only for frames that actually landed on disk: a
	// failing store freezes the controller at its current value instead of
	// retuning on frames nobody will ever see.
	if w.feedback != nil {
		w.feedback.Observe(float64(frame.MeanADU), frame.BitDepth)
	}

	if w.hooks != nil {
		w.hooks.RunPostSave(ctx, frame, []float32{job.SensorTemp}, userSensors, path)
	}

	if w.recorder != nil {
		if err := w.recorder.RecordFrame(frame); err != nil {
			w.log.Error("frame record failed", zap.Uint64("seq", job.Seq), zap.Error(err))
		}
	}

	for _, agg := range aggs {
		agg.Accept(frame, img8)
	}

	w.log.Debug("frame processed",
		zap.Uint64("seq", job.Seq),
		zap.Float32("mean_adu", frame.MeanADU),
		zap.Uint32("stars", frame.Stars),
		zap.Duration("took", time.Since(start)))
}

// pipeline runs decode through annotate and returns the frame record plus
// the final 8-bit BGR image the caller owns.
func (w *Worker) pipeline(job *Job, cfg config.ImageConfig, maskADU float64) (*Frame, gocv.Mat, error) {
	dec, err := decode(job.Blob)
	if err != nil {
		return nil, gocv.Mat{}, fmt.Errorf("decode seq %d: %w", job.Seq, err)
	}
	defer dec.Close()

	if w.darks != nil {
		key := w.darks.KeyFor(dec.bitDepth, job.Binning, job.Gain,
			float64(job.ExposureSec), float64(job.SensorTemp))
		w.darks.Subtract(&dec.mat, key)
	}

	// Exposure statistics come from the calibrated mosaic, in source-depth
	// ADU, before any nonlinear stage touches the data.
	roi := sqmRegion(cfg.SQMRegion, dec.mat.Cols(), dec.mat.Rows())
	raw := computeROIStats(dec.mat, dec.bitDepth, roi)

	bgr, err := debayer(dec.mat, job.Blob.Bayer)
	if err != nil {
		return nil, gocv.Mat{}, fmt.Errorf("debayer seq %d: %w", job.Seq, err)
	}
	defer bgr.Close()

	if cfg.FlipHorizontal && cfg.FlipVertical {
		gocv.Flip(bgr, &bgr, -1)
	} else if cfg.FlipHorizontal {
		gocv.Flip(bgr, &bgr, 1)
	} else if cfg.FlipVertical {
		gocv.Flip(bgr, &bgr, 0)
	}

	switch cfg.StretchMode {
	case 1:
		s := StretchStdDev{Gamma: cfg.Gamma, K: cfg.StdDevK}
		if err := s.Apply(&bgr, dec.bitDepth, roiStats{rect: roi}); err != nil {
			return nil, gocv.Mat{}, fmt.Errorf("stretch seq %d: %w", job.Seq, err)
		}
	case 2:
		s := StretchMTF{
			Shadows:    cfg.MTFShadows,
			Midtones:   cfg.MTFMidtones,
			Highlights: cfg.MTFHighs,
			BlackClip:  cfg.MTFBlack,
		}
		if err := s.Apply(&bgr, dec.bitDepth); err != nil {
			return nil, gocv.Mat{}, fmt.Errorf("stretch seq %d: %w", job.Seq, err)
		}
	}

	if cfg.SCNR {
		if err := scnrAverageNeutral(&bgr, dec.bitDepth); err != nil {
			return nil, gocv.Mat{}, fmt.Errorf("scnr seq %d: %w", job.Seq, err)
		}
	}

	img8 := downsampleTo8(bgr, dec.bitDepth)

	frame := &Frame{
		Seq:          job.Seq,
		CapturedAt:   job.CapturedAt.UTC(),
		ExposureSec:  job.ExposureSec,
		Gain:         job.Gain,
		Binning:      job.Binning,
		BitDepth:     dec.bitDepth,
		Bayer:        job.Blob.Bayer,
		Width:        uint32(dec.mat.Cols()),
		Height:       uint32(dec.mat.Rows()),
		MeanADU:      float32(raw.mean),
		StdDevADU:    float32(raw.stddev),
		SunAltRad:    job.SunAltRad,
		MoonAltRad:   job.MoonAltRad,
		MoonPhasePct: job.MoonPhasePct,
		Regime:       job.Regime,
		DayDate:      job.DayDate,
		SensorTemp:   job.SensorTemp,
		Stable:       job.Stable,
		CameraID:     job.CameraID,
	}
	frame.SQM = skyQuality(raw.mean, float64(job.ExposureSec), float64(job.Gain))

	if cfg.DetectStars && job.Regime.Night() {
		frame.Stars = detectStars(img8, float32(cfg.StarMatchScore), cfg.StarDedupDistance)
	}
	frame.SaturatedPx = countSaturated(img8, maskADU)

	if cfg.Annotate {
		annotate(&img8, frame, job.SensorTemp, cfg)
	}

	return frame, img8, nil
}

// skyQuality converts the ROI mean into an uncalibrated magnitude-like
// figure: brighter sky gives a lower value. The zero point is arbitrary;
// only night-to-night comparison at one site is meaningful.
func skyQuality(meanADU, exposureSec, gain float64) float32 {
	if meanADU <= 0 || exposureSec <= 0 {
		return 0
	}
	flux := meanADU / (exposureSec * (1 + gain/100))
	return float32(20.0 - 2.5*math.Log10(flux))
}

// save writes the final image under
// <output_dir>/<YYYYMMDD>/<day|night>/<HH>_<MM>/<YYYYMMDD_HHMMSS>.<ext>,
// grouping by the frame's dayDate so a night stays in one directory across
// local midnight.
func (w *Worker) save(img gocv.Mat, f *Frame, cfg config.ImageConfig) (string, error) {
	phase := "day"
	if f.Night() {
		phase = "night"
	}

	ext := cfg.Format
	if ext == "jpeg" {
		ext = "jpg"
	}

	dir := filepath.Join(cfg.OutputDir,
		f.DayDate.Format("20060102"),
		phase,
		f.CapturedAt.Format("15_04"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating image dir: %w", err)
	}

	path := filepath.Join(dir, f.CapturedAt.Format("20060102_150405")+"."+ext)

	var ok bool
	switch ext {
	case "jpg":
		ok = gocv.IMWriteWithParams(path, img,
			[]int{gocv.IMWriteJpegQuality, cfg.Quality})
	case "webp":
		ok = gocv.IMWriteWithParams(path, img,
			[]int{gocv.IMWriteWebpQuality, cfg.Quality})
	default:
		ok = gocv.IMWrite(path, img)
	}
	if !ok {
		return "", fmt.Errorf("encoding %s failed", path)
	}
	return path, nil
}

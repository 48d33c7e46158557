// Package startrails builds the per-night star-trail composite. Frames pass
// a brightness and sky-condition gate before entering a per-pixel maximum
// stack, so the trail is independent of frame order; on flush the trail is
// laid over the darkest accepted frame through a star mask.
package startrails

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/config"
	"github.com/mikeyg42/allsky/internal/daynight"
	"github.com/mikeyg42/allsky/internal/image"
)

// ErrInsufficientData means fewer frames passed the gate than a trail needs.
var ErrInsufficientData = errors.New("startrails: not enough accepted frames")

// minAccepted is the floor below which a composite is mostly noise.
const minAccepted = 20

// RejectReason enumerates why a frame was kept out of the stack.
type RejectReason string

const (
	RejectBright    RejectReason = "too_bright"
	RejectSunUp     RejectReason = "sun_above_threshold"
	RejectMoon      RejectReason = "moon_interference"
	RejectSaturated RejectReason = "saturation_cutoff"
	RejectFewStars  RejectReason = "too_few_stars"
	RejectDay       RejectReason = "day_regime"
)

// Trails accumulates accepted frames.
type Trails struct {
	cfg config.StarTrailsConfig
	dir string
	log *zap.Logger

	mu       sync.Mutex
	stack    gocv.Mat
	accepted int
	rejected map[RejectReason]int

	// Darkest accepted frame above the background floor; kept as the
	// candidate background for compositing tools downstream.
	bgMean float64
	bgPath string
}

func New(cfg config.StarTrailsConfig, outputDir string, log *zap.Logger) *Trails {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trails{
		cfg:      cfg,
		dir:      outputDir,
		log:      log.Named("startrails"),
		rejected: make(map[RejectReason]int),
		bgMean:   math.Inf(1),
	}
}

func (s *Trails) Name() string { return "startrails" }

// gate decides whether a frame joins the stack.
func (s *Trails) gate(f *image.Frame) (RejectReason, bool) {
	if !f.Regime.Night() {
		return RejectDay, false
	}
	if float64(f.MeanADU) > s.cfg.MaxADU {
		return RejectBright, false
	}
	if f.SunAltDeg() > s.cfg.SunAltThresholdDeg {
		return RejectSunUp, false
	}
	if f.MoonAltDeg() > s.cfg.MoonAltThreshold &&
		float64(f.MoonPhasePct) > s.cfg.MoonPhaseThreshold {
		return RejectMoon, false
	}
	total := int64(f.Width) * int64(f.Height)
	if total > 0 {
		pct := 100 * float64(f.SaturatedPx) / float64(total)
		if pct > s.cfg.PixelCutoffPct {
			return RejectSaturated, false
		}
	}
	if f.Stars < s.cfg.MinStars {
		return RejectFewStars, false
	}
	return "", true
}

// Accept folds one frame into the per-pixel maximum.
func (s *Trails) Accept(f *image.Frame, img gocv.Mat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reason, ok := s.gate(f); !ok {
		s.rejected[reason]++
		return
	}

	if s.stack.Ptr() == nil {
		s.stack = gocv.NewMat()
		img.CopyTo(&s.stack)
	} else if s.stack.Rows() != img.Rows() || s.stack.Cols() != img.Cols() {
		s.log.Warn("frame geometry changed mid-night, resetting stack")
		s.resetLocked()
		s.stack = gocv.NewMat()
		img.CopyTo(&s.stack)
	} else {
		gocv.Max(s.stack, img, &s.stack)
	}
	s.accepted++

	mean := float64(f.MeanADU)
	if mean >= s.cfg.MinBackgroundADU && mean < s.bgMean {
		s.bgMean = mean
		s.bgPath = f.Path
	}
}

// Accepted reports the current stack depth.
func (s *Trails) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Rejected returns a copy of the per-reason rejection counters.
func (s *Trails) Rejected() map[RejectReason]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[RejectReason]int, len(s.rejected))
	for k, v := range s.rejected {
		out[k] = v
	}
	return out
}

// Flush writes the composite for the closed night and resets. Returns
// ErrInsufficientData when the stack is too shallow.
func (s *Trails) Flush(dayDate time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer s.resetLocked()

	for reason, n := range s.rejected {
		s.log.Info("startrails rejections",
			zap.String("reason", string(reason)), zap.Int("count", n))
	}

	if s.accepted < minAccepted {
		s.log.Info("startrails skipped",
			zap.Int("accepted", s.accepted), zap.Int("needed", minAccepted))
		return "", fmt.Errorf("%w: %d of %d", ErrInsufficientData, s.accepted, minAccepted)
	}

	dir := filepath.Join(s.dir, dayDate.Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating startrails dir: %w", err)
	}
	path := filepath.Join(dir,
		fmt.Sprintf("allsky-startrail-%s-night.jpg", dayDate.Format("20060102")))

	final := s.compositeLocked()
	defer final.Close()
	if ok := gocv.IMWrite(path, final); !ok {
		return "", fmt.Errorf("writing startrails %s failed", path)
	}

	s.log.Info("startrails written",
		zap.String("path", path),
		zap.Int("accepted", s.accepted),
		zap.String("background_frame", s.bgPath))
	return path, nil
}

// compositeLocked overlays the trail on the darkest accepted frame through
// the star mask: star pixels keep the trail, everything else shows the
// tracked background instead of the per-pixel brightest sky of the whole
// night. Without a usable background the raw stack stands.
func (s *Trails) compositeLocked() gocv.Mat {
	out := gocv.NewMat()
	s.stack.CopyTo(&out)
	if s.bgPath == "" {
		return out
	}

	bg := gocv.IMRead(s.bgPath, gocv.IMReadColor)
	if bg.Empty() || bg.Rows() != s.stack.Rows() || bg.Cols() != s.stack.Cols() {
		if !bg.Empty() {
			bg.Close()
		}
		s.log.Warn("background frame unusable, keeping raw stack",
			zap.String("path", s.bgPath))
		return out
	}
	defer bg.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(s.stack, &gray, gocv.ColorBGRToGray)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(gray, &mask, float32(s.cfg.MaskThreshold), 255, gocv.ThresholdBinary)

	bg.CopyTo(&out)
	s.stack.CopyToWithMask(&out, mask)
	return out
}

// Boundary lets the capture loop flush at regime changes without caring
// about aggregator internals.
func (s *Trails) Boundary(b daynight.Boundary) {
	if b.ToNight {
		return
	}
	if _, err := s.Flush(b.DayDate); err != nil && !errors.Is(err, ErrInsufficientData) {
		s.log.Error("startrails flush failed", zap.Error(err))
	}
}

func (s *Trails) resetLocked() {
	if s.stack.Ptr() != nil {
		s.stack.Close()
		s.stack = gocv.Mat{}
	}
	s.accepted = 0
	s.rejected = make(map[RejectReason]int)
	s.bgMean = math.Inf(1)
	s.bgPath = ""
}

// Close releases the stack.
func (s *Trails) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

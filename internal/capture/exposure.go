// Package capture owns the single capture goroutine: regime tracking,
// camera control, the auto-exposure loop and the hand-off of raw blobs to
// the image worker.
package capture

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/allsky/internal/config"
)

// windowSize is the rolling observation window the locked controller
// watches for drift.
const windowSize = 6

// ControllerState is the auto-exposure state machine.
type ControllerState int

const (
	StateHunting ControllerState = iota
	StateLocked
)

func (s ControllerState) String() string {
	if s == StateLocked {
		return "locked"
	}
	return "hunting"
}

// Controller converges exposure onto a target mean ADU. Observe is called
// from the worker goroutine, Exposure and Stable from the capture goroutine.
type Controller struct {
	log *zap.Logger

	mu        sync.Mutex
	minSec    float64
	maxSec    float64
	targetADU float64 // at 8-bit scale; rescaled per observation
	devADU    float64

	exposure float64
	state    ControllerState
	lockADU  float64   // observation recorded at lock; the locked deadband centre
	window   []float64 // recent observations, 8-bit scale
}

func NewController(cfg config.CaptureConfig, night bool, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		log:       log.Named("exposure"),
		minSec:    cfg.ExposureMinSec,
		maxSec:    cfg.ExposureMaxSec,
		targetADU: cfg.TargetADU(night),
		devADU:    cfg.TargetADUDev,
		exposure:  cfg.ExposureDefSec,
		state:     StateHunting,
	}
}

// Exposure returns the exposure for the next shoot, seconds.
func (c *Controller) Exposure() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float32(c.exposure)
}

// Stable reports whether the controller is locked.
func (c *Controller) Stable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateLocked
}

// Retarget switches the regime target and restarts the hunt from the default
// exposure. The limits are re-read too, so a reloaded config with new
// exposure bounds takes effect here.
func (c *Controller) Retarget(cfg config.CaptureConfig, night bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minSec = cfg.ExposureMinSec
	c.maxSec = cfg.ExposureMaxSec
	c.targetADU = cfg.TargetADU(night)
	c.devADU = cfg.TargetADUDev
	c.exposure = c.clamp(cfg.ExposureDefSec)
	c.state = StateHunting
	c.window = c.window[:0]
}

// Observe folds one processed frame's mean ADU into the controller. The
// observation arrives in source bit depth and is rescaled to the 8-bit scale
// the target is expressed in.
func (c *Controller) Observe(meanADU float64, bitDepth uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	observed := meanADU
	if bitDepth > 8 {
		observed = meanADU * 255.0 / float64(uint32(1)<<bitDepth-1)
	}

	c.window = append(c.window, observed)
	if len(c.window) > windowSize {
		c.window = c.window[1:]
	}

	switch c.state {
	case StateHunting:
		c.hunt(observed)
	case StateLocked:
		// Drift is judged against the ADU recorded at lock time, not the
		// configured target: the lock centre is whatever the sky actually
		// settled at inside the deadband.
		mean := windowMean(c.window)
		if mean < c.lockADU-c.devADU || mean > c.lockADU+c.devADU {
			c.log.Info("exposure drifted, hunting again",
				zap.Float64("window_mean", mean),
				zap.Float64("lock_adu", c.lockADU))
			c.state = StateHunting
			c.hunt(observed)
		}
	}
}

// hunt locks as soon as a single observation lands inside the deadband; out
// of band it applies the proportional correction.
func (c *Controller) hunt(observed float64) {
	if observed >= c.targetADU-c.devADU && observed <= c.targetADU+c.devADU {
		c.state = StateLocked
		c.lockADU = observed
		// Restart the window at the lock point so stale hunting
		// observations cannot trip the drift check.
		c.window = append(c.window[:0], observed)
		c.log.Info("exposure locked",
			zap.Float64("exposure_sec", c.exposure),
			zap.Float64("lock_adu", c.lockADU))
		return
	}

	if observed > 0 {
		c.exposure = c.clamp(c.exposure * c.targetADU / observed)
	} else {
		// A fully black frame gives no gradient; step hard towards max.
		c.exposure = c.clamp(c.exposure * 4)
	}
}

func (c *Controller) clamp(e float64) float64 {
	if e < c.minSec {
		return c.minSec
	}
	if e > c.maxSec {
		return c.maxSec
	}
	return e
}

func windowMean(w []float64) float64 {
	if len(w) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w))
}

package capture

import (
	"testing"

	"go.uber.org/zap"

	"github.com/mikeyg42/allsky/internal/config"
)

func controllerCfg() config.CaptureConfig {
	return config.CaptureConfig{
		ExposureMinSec: 0.001,
		ExposureMaxSec: 15,
		ExposureDefSec: 1,
		TargetADUDay:   75,
		TargetADUNight: 75,
		TargetADUDev:   10,
	}
}

func TestHuntHalvesOnDoubleTarget(t *testing.T) {
	c := NewController(controllerCfg(), true, zap.NewNop())

	c.Observe(150, 8) // twice the target
	got := float64(c.Exposure())
	if got < 0.49 || got > 0.51 {
		t.Errorf("exposure after 2x-target frame = %v, want ~0.5", got)
	}
	if c.Stable() {
		t.Error("controller must still be hunting")
	}
}

func TestLocksByFourthFrame(t *testing.T) {
	c := NewController(controllerCfg(), true, zap.NewNop())

	// Three bright frames, then one on target: the first in-band observation
	// locks immediately.
	for i := 0; i < 3; i++ {
		c.Observe(150, 8)
		if c.Stable() {
			t.Fatalf("locked on out-of-band frame %d", i+1)
		}
	}
	c.Observe(75, 8)
	if !c.Stable() {
		t.Fatal("controller should be locked on the first in-band observation")
	}

	before := c.Exposure()
	c.Observe(78, 8) // inside the deadband
	if !c.Stable() {
		t.Error("small deviation must not unlock")
	}
	if c.Exposure() != before {
		t.Error("locked controller must not adjust exposure")
	}
}

func TestLockCentresOnObservedADU(t *testing.T) {
	c := NewController(controllerCfg(), true, zap.NewNop())

	// Locks at 82, near the top of the configured deadband.
	c.Observe(82, 8)
	if !c.Stable() {
		t.Fatal("82 is inside [65, 85] and must lock")
	}

	// 88 is outside target±dev but inside lock±dev; the window mean stays
	// within [72, 92] so the controller must hold.
	for i := 0; i < windowSize; i++ {
		c.Observe(88, 8)
		if !c.Stable() {
			t.Fatalf("unlocked at frame %d: drift must be judged from the lock point", i+1)
		}
	}
}

func TestConvergesByFourthFrame(t *testing.T) {
	c := NewController(controllerCfg(), true, zap.NewNop())

	// Scene brightness proportional to exposure: a 1s exposure reads 150.
	sceneADU := func(exposure float64) float64 { return 150 * exposure }

	for i := 0; i < 4; i++ {
		c.Observe(sceneADU(float64(c.Exposure())), 8)
	}
	got := sceneADU(float64(c.Exposure()))
	if got < 65 || got > 85 {
		t.Errorf("observed ADU after 4 frames = %v, want within deadband of 75", got)
	}
	if !c.Stable() {
		t.Error("controller should be locked once the scene reads on target")
	}
}

func TestUnlocksOnDrift(t *testing.T) {
	c := NewController(controllerCfg(), true, zap.NewNop())
	c.Observe(75, 8)
	if !c.Stable() {
		t.Fatal("precondition: locked")
	}

	// Dawn: the scene brightens far past the deadband.
	for i := 0; i < windowSize; i++ {
		c.Observe(160, 8)
	}
	if c.Stable() {
		t.Error("controller must unlock when the window mean drifts")
	}
	if got := float64(c.Exposure()); got >= 1 {
		t.Errorf("exposure should have shortened, got %v", got)
	}
}

func TestObservationRescaledFromSourceDepth(t *testing.T) {
	c := NewController(controllerCfg(), true, zap.NewNop())

	// 4800 ADU at 12 bits is ~299 at the 8-bit scale, four times the target.
	c.Observe(4800, 12)
	got := float64(c.Exposure())
	if got < 0.24 || got > 0.26 {
		t.Errorf("exposure after 4x-target 12-bit frame = %v, want ~0.25", got)
	}
}

func TestClampToRange(t *testing.T) {
	c := NewController(controllerCfg(), true, zap.NewNop())

	c.Observe(0.001, 8) // essentially black
	if got := float64(c.Exposure()); got > 15 {
		t.Errorf("exposure exceeded max: %v", got)
	}

	for i := 0; i < 20; i++ {
		c.Observe(25500, 8) // blinding
	}
	if got := float64(c.Exposure()); got < 0.001 {
		t.Errorf("exposure under min: %v", got)
	}
}

func TestRetargetRestartsHuntAndRefreshesLimits(t *testing.T) {
	c := NewController(controllerCfg(), true, zap.NewNop())
	c.Observe(75, 8)
	if !c.Stable() {
		t.Fatal("precondition: locked")
	}

	cfg := controllerCfg()
	cfg.ExposureMaxSec = 5
	cfg.ExposureDefSec = 2
	cfg.TargetADUNight = 40
	c.Retarget(cfg, true)
	if c.Stable() {
		t.Error("retarget must force hunting")
	}
	if got := float64(c.Exposure()); got != 2 {
		t.Errorf("retarget start exposure = %v, want 2", got)
	}

	// The new maximum applies: a black frame can only push exposure to 5s.
	for i := 0; i < 10; i++ {
		c.Observe(0, 8)
	}
	if got := float64(c.Exposure()); got != 5 {
		t.Errorf("exposure = %v, want clamped at the reloaded max of 5", got)
	}
}

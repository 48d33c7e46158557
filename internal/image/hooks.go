package image

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/allsky/internal/daynight"
)

// Hooks runs user-supplied scripts around image save. Scripts receive the
// capture telemetry through the environment; a missing script is not an
// error, a failing one only logs.
type Hooks struct {
	PreSave  string
	PostSave string
	Timeout  time.Duration

	Latitude  float64
	Longitude float64
	Elevation float64

	log *zap.Logger
}

func NewHooks(preSave, postSave string, timeout time.Duration, lat, lon, elev float64, log *zap.Logger) *Hooks {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hooks{
		PreSave:   preSave,
		PostSave:  postSave,
		Timeout:   timeout,
		Latitude:  lat,
		Longitude: lon,
		Elevation: elev,
		log:       log.Named("hooks"),
	}
}

func (h *Hooks) RunPreSave(ctx context.Context, f *Frame, temps, users []float32) {
	h.run(ctx, "pre-save", h.PreSave, f, temps, users, "")
}

func (h *Hooks) RunPostSave(ctx context.Context, f *Frame, temps, users []float32, savedPath string) {
	h.run(ctx, "post-save", h.PostSave, f, temps, users, savedPath)
}

func (h *Hooks) run(ctx context.Context, stage, script string, f *Frame, temps, users []float32, savedPath string) {
	if script == "" {
		return
	}
	if _, err := os.Stat(script); err != nil {
		h.log.Debug("hook script not present", zap.String("stage", stage), zap.String("script", script))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	env := h.environment(f, temps, users, savedPath)

	// DATA_JSON is a scratch file the script may read or overwrite, seeded
	// with the frame record; it lives only for this invocation.
	if dataPath, err := writeFrameJSON(f); err == nil {
		defer os.Remove(dataPath)
		env = append(env, "DATA_JSON="+dataPath)
	} else {
		h.log.Warn("frame json not written", zap.Error(err))
	}

	cmd := exec.CommandContext(ctx, script)
	cmd.Env = append(os.Environ(), env...)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		h.log.Warn("hook script failed",
			zap.String("stage", stage),
			zap.String("script", script),
			zap.ByteString("output", out),
			zap.Error(err))
		return
	}
	h.log.Debug("hook script ran",
		zap.String("stage", stage),
		zap.Duration("took", time.Since(start)))
}

func (h *Hooks) environment(f *Frame, temps, users []float32, savedPath string) []string {
	env := []string{
		"EXPOSURE=" + strconv.FormatFloat(float64(f.ExposureSec), 'f', -1, 32),
		"GAIN=" + strconv.FormatInt(int64(f.Gain), 10),
		"BIN=" + strconv.FormatInt(int64(f.Binning), 10),
		"SUNALT=" + strconv.FormatFloat(f.SunAltDeg(), 'f', 3, 64),
		"MOONALT=" + strconv.FormatFloat(f.MoonAltDeg(), 'f', 3, 64),
		"MOONPHASE=" + strconv.FormatFloat(float64(f.MoonPhasePct), 'f', 1, 32),
		"NIGHT=" + boolEnv(f.Regime.Night()),
		"MOONMODE=" + boolEnv(f.Regime == daynight.RegimeNightMoon),
		"LATITUDE=" + strconv.FormatFloat(h.Latitude, 'f', 6, 64),
		"LONGITUDE=" + strconv.FormatFloat(h.Longitude, 'f', 6, 64),
		"ELEVATION=" + strconv.FormatFloat(h.Elevation, 'f', 1, 64),
	}
	for i, t := range temps {
		env = append(env, fmt.Sprintf("SENSOR_TEMP_%d=%s", i,
			strconv.FormatFloat(float64(t), 'f', 1, 32)))
	}
	for i, u := range users {
		env = append(env, fmt.Sprintf("SENSOR_USER_%d=%s", i,
			strconv.FormatFloat(float64(u), 'f', 2, 32)))
	}
	if savedPath != "" {
		env = append(env, "IMAGE_PATH="+savedPath)
	}
	return env
}

func writeFrameJSON(f *Frame) (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp("", "allsky-frame-*.json")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/camera"
	"github.com/mikeyg42/allsky/internal/config"
	"github.com/mikeyg42/allsky/internal/darks"
	"github.com/mikeyg42/allsky/internal/image"
)

// newDarkCaptureCmd shoots a batch of dark frames with the lens capped,
// averages them, and stores the result in the dark library under the bucket
// key matching the requested exposure and the current sensor temperature.
func newDarkCaptureCmd(flags *rootFlags) *cobra.Command {
	var (
		exposure float64
		count    int
	)

	cmd := &cobra.Command{
		Use:   "dark-capture",
		Short: "Capture and store an averaged dark frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if flags.cameraID != 0 {
				cfg.Camera.ID = flags.cameraID
			}
			log, err := newLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			if !cfg.Darks.Enabled {
				return fmt.Errorf("dark subtraction disabled in config")
			}
			if count < 1 {
				return fmt.Errorf("count must be at least 1")
			}

			cache := darks.NewCache(cfg.Darks.Dir, cfg.Darks.BucketSeconds,
				cfg.Darks.TempBucketC, log)
			defer cache.Close()

			cam := newCamera(cfg, log)
			if _, err := cam.Connect(cfg.Camera.Endpoint); err != nil {
				return fmt.Errorf("connecting camera: %w", err)
			}
			defer cam.Disconnect()

			path, err := captureDarks(cmd.Context(), cam, cfg, cache, exposure, count, log)
			if err != nil {
				return err
			}
			log.Info("dark frame stored", zap.String("path", path),
				zap.Float64("exposure_sec", exposure), zap.Int("frames", count))
			return nil
		},
	}
	cmd.Flags().Float64Var(&exposure, "exposure", 5, "exposure seconds for the dark frames")
	cmd.Flags().IntVar(&count, "count", 10, "frames to average")
	return cmd
}

func captureDarks(ctx context.Context, cam camera.Camera, cfg *config.Config,
	cache *darks.Cache, exposure float64, count int, log *zap.Logger) (string, error) {
	ccd := cfg.CCD.CCDFor(true, false)
	if err := cam.SetGain(ccd.Gain); err != nil {
		return "", fmt.Errorf("setting gain: %w", err)
	}
	if err := cam.SetBinning(ccd.Binning); err != nil {
		return "", fmt.Errorf("setting binning: %w", err)
	}
	if err := cam.SetFrameType(camera.FrameDark); err != nil {
		return "", fmt.Errorf("setting frame type: %w", err)
	}

	sum := gocv.NewMat()
	var bitDepth uint8
	for i := 0; i < count; i++ {
		mat, depth, err := shootDark(ctx, cam, cfg, exposure)
		if err != nil {
			sum.Close()
			return "", fmt.Errorf("dark frame %d: %w", i+1, err)
		}
		wide := gocv.NewMat()
		mat.ConvertTo(&wide, gocv.MatTypeCV32F)
		mat.Close()
		if i == 0 {
			sum.Close()
			sum = wide
			bitDepth = depth
			continue
		}
		gocv.Add(sum, wide, &sum)
		wide.Close()
		log.Debug("dark frame accumulated", zap.Int("frame", i+1))
	}
	defer sum.Close()

	outType := gocv.MatTypeCV8UC1
	if bitDepth > 8 {
		outType = gocv.MatTypeCV16UC1
	}
	avg := gocv.NewMat()
	defer avg.Close()
	sum.ConvertToWithParams(&avg, outType, 1.0/float32(count), 0)

	tempC := 0.0
	if t, err := cam.SensorTemp(); err == nil {
		tempC = float64(t)
	} else {
		log.Warn("sensor temperature unavailable, bucketing at 0C", zap.Error(err))
	}

	key := cache.KeyFor(bitDepth, ccd.Binning, ccd.Gain, exposure, tempC)
	return cache.Store(avg, key, "png")
}

func shootDark(ctx context.Context, cam camera.Camera, cfg *config.Config,
	exposure float64) (gocv.Mat, uint8, error) {
	shootCtx, cancel := context.WithTimeout(ctx, cfg.Capture.ShootTimeout(exposure))
	defer cancel()
	if err := cam.Shoot(shootCtx, float32(exposure)); err != nil {
		return gocv.Mat{}, 0, err
	}
	blob, err := cam.WaitBlob(shootCtx)
	if err != nil {
		return gocv.Mat{}, 0, err
	}
	return image.DecodeBlob(blob)
}

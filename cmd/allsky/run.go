package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/astro"
	"github.com/mikeyg42/allsky/internal/camera"
	"github.com/mikeyg42/allsky/internal/capture"
	"github.com/mikeyg42/allsky/internal/config"
	"github.com/mikeyg42/allsky/internal/darks"
	"github.com/mikeyg42/allsky/internal/database"
	"github.com/mikeyg42/allsky/internal/daynight"
	"github.com/mikeyg42/allsky/internal/image"
	"github.com/mikeyg42/allsky/internal/keogram"
	"github.com/mikeyg42/allsky/internal/lightgraph"
	"github.com/mikeyg42/allsky/internal/startrails"
	"github.com/mikeyg42/allsky/internal/state"
	"github.com/mikeyg42/allsky/internal/timelapse"
	"github.com/mikeyg42/allsky/internal/upload"
)

// drainTimeout bounds shutdown: the worker gets this long to finish queued
// frames before the process exits anyway.
const drainTimeout = 30 * time.Second

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the capture daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}
}

func run(flags *rootFlags) error {
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

	if err := writePIDFile(flags.pidFile); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}

	cells := state.NewCells()
	obs := astro.Observer{
		LatitudeDeg:  cfg.Location.LatitudeDeg,
		LongitudeDeg: cfg.Location.LongitudeDeg,
		ElevationM:   cfg.Location.ElevationM,
	}
	mgr := daynight.New(obs, daynight.Thresholds{
		NightSunAltDeg:   cfg.Capture.NightSunAltDeg,
		MoonModeAltDeg:   cfg.Capture.MoonModeAltDeg,
		MoonModePhasePct: cfg.Capture.MoonModePhasePct,
	}, log)

	store, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	cam := newCamera(cfg, log)
	if err := store.RegisterCamera(int32(cfg.Camera.ID), cfg.Camera.Backend); err != nil {
		log.Warn("camera registration failed", zap.Error(err))
	}

	var darkCache *darks.Cache
	if cfg.Darks.Enabled {
		darkCache = darks.NewCache(cfg.Darks.Dir, cfg.Darks.BucketSeconds,
			cfg.Darks.TempBucketC, log)
		if err := darkCache.Reload(); err != nil {
			log.Warn("dark library unavailable", zap.Error(err))
		}
		defer darkCache.Close()
	}

	hooks := image.NewHooks(cfg.Hooks.PreSave, cfg.Hooks.PostSave,
		time.Duration(cfg.Hooks.TimeoutSec*float64(time.Second)),
		cfg.Location.LatitudeDeg, cfg.Location.LongitudeDeg, cfg.Location.ElevationM,
		log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var uploader *upload.Uploader
	if cfg.Upload.Enabled {
		uploader, err = upload.New(cfg.Upload, store)
		if err != nil {
			return err
		}
		uploader.Start(ctx)
	}

	var (
		aggs   []image.Aggregator
		keo    *keogram.Keogram
		trails *startrails.Trails
	)
	if cfg.Keogram.Enabled {
		keo = keogram.New(cfg.Keogram, cfg.Image.OutputDir, log)
		defer keo.Close()
		aggs = append(aggs, keo)
	}
	if cfg.StarTrails.Enabled {
		trails = startrails.New(cfg.StarTrails, cfg.Image.OutputDir, log)
		defer trails.Close()
		aggs = append(aggs, trails)
	}
	if uploader != nil {
		aggs = append(aggs, &uploadAggregator{uploader})
	}

	ctrl := capture.NewController(cfg.Capture, false, log)
	worker := image.NewWorker(cfg.Image, cfg.StarTrails.MaskThreshold, cells, darkCache, hooks, ctrl, store, aggs, log)
	go worker.Run(ctx)

	runner := timelapse.NewRunner(cfg.Timelapse, cfg.Image.OutputDir, store, log)
	go runner.Run(ctx)

	var lg capture.LightgraphWriter
	if cfg.Lightgraph.Enabled {
		lg = lightgraph.New(cfg.Lightgraph, obs, cfg.Image.OutputDir, log)
	}

	loop := capture.NewLoop(cfg, capture.Deps{
		Camera:     cam,
		Manager:    mgr,
		Controller: ctrl,
		Worker:     worker,
		Cells:      cells,
		Darks:      darkCache,
		Keogram:    keogramFlusher(keo),
		Trails:     trailsHandler(trails),
		Lightgraph: lg,
		Timelapse:  runner,
		Log:        log,
	})

	go handleSignals(ctx, cancel, flags.configPath, loop, log)

	log.Info("allsky daemon starting",
		zap.String("backend", cfg.Camera.Backend),
		zap.Float64("latitude", cfg.Location.LatitudeDeg),
		zap.Float64("longitude", cfg.Location.LongitudeDeg))

	runErr := loop.Run(ctx)

	// Shutdown: stop producers, then give the worker and encoder a bounded
	// window to drain.
	cancel()
	select {
	case <-worker.Done():
	case <-time.After(drainTimeout):
		log.Warn("worker drain timed out")
	}
	if uploader != nil {
		uploader.Wait()
		log.Info("uploader stopped", zap.Any("metrics", uploader.Snapshot()))
	}
	<-runner.Done()

	if runErr != nil {
		return runErr
	}
	log.Info("allsky daemon stopped")
	return nil
}

func newCamera(cfg *config.Config, log *zap.Logger) camera.Camera {
	switch cfg.Camera.Backend {
	case "sim":
		return camera.NewSim(camera.SimConfig{})
	default:
		return camera.NewLibcamera(camera.LibcameraConfig{Binary: cfg.Camera.Endpoint}, log)
	}
}

// handleSignals implements the daemon's signal contract: HUP reloads the
// config (an invalid file is rejected and the running config stays live),
// INT/TERM begin the drain.
func handleSignals(ctx context.Context, cancel context.CancelFunc,
	configPath string, loop *capture.Loop, log *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				cfg, err := config.Load(configPath)
				if err != nil {
					log.Error("reload rejected, keeping running config", zap.Error(err))
					continue
				}
				loop.Reload(cfg)
				log.Info("reload accepted", zap.String("config", configPath))
			default:
				log.Info("shutdown signal", zap.String("signal", sig.String()))
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// uploadAggregator feeds each saved frame to the uploader.
type uploadAggregator struct{ u *upload.Uploader }

func (a *uploadAggregator) Name() string { return "upload" }
func (a *uploadAggregator) Accept(f *image.Frame, _ gocv.Mat) {
	if f.Path != "" {
		a.u.Enqueue(f.Path)
	}
}

// keogramFlusher and trailsHandler keep typed-nil interfaces out of the
// loop's optional dependencies.
func keogramFlusher(k *keogram.Keogram) capture.Flusher {
	if k == nil {
		return nil
	}
	return k
}

func trailsHandler(t *startrails.Trails) capture.BoundaryHandler {
	if t == nil {
		return nil
	}
	return t
}

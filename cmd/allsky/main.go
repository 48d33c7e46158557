// Command allsky runs the all-sky camera daemon: capture loop, image
// pipeline, aggregators, timelapse encoder and metadata store.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mikeyg42/allsky/internal/capture"
)

// Exit codes: 0 clean shutdown, 1 configuration or runtime error, 2 the
// camera is unrecoverable and a supervisor restart will not help without
// operator attention.
const (
	exitOK     = 0
	exitError  = 1
	exitCamera = 2
)

type rootFlags struct {
	configPath string
	logLevel   string
	pidFile    string
	cameraID   int
}

func main() {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "allsky",
		Short:         "All-sky camera capture and compositing daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "allsky.json", "configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.pidFile, "pid", "", "write the daemon pid to this file")
	rootCmd.PersistentFlags().IntVar(&flags.cameraID, "cameraId", 0, "camera id override")

	rootCmd.AddCommand(newRunCmd(flags))
	rootCmd.AddCommand(newDBImportCmd(flags))
	rootCmd.AddCommand(newDarkCaptureCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, capture.ErrCameraGone) {
			os.Exit(exitCamera)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}

// newLogger builds the process logger and installs it globally, matching
// how the named sub-loggers are pulled with zap.L().
func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	zap.ReplaceGlobals(log)
	return log, nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

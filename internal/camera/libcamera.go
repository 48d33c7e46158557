package camera

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LibcameraConfig configures the subprocess backend.
type LibcameraConfig struct {
	Binary    string // default "libcamera-still"
	TmpDir    string
	Width     uint32
	Height    uint32
	BitDepth  uint8
	Bayer     BayerPattern
	AWBGains  string // e.g. "1.8,1.6"; empty lets libcamera decide
	ExtraArgs []string
}

// Libcamera drives a libcamera-still compatible binary, one subprocess per
// exposure. The subprocess boundary is the isolation boundary: a crashing
// camera stack takes down the child, not the daemon.
type Libcamera struct {
	cfg LibcameraConfig
	log *zap.Logger

	mu        sync.Mutex
	connected bool
	gain      int32
	binning   int32
	frameType FrameType

	// in-flight exposure
	cmd      *exec.Cmd
	waitErr  chan error
	outfile  string
	shotExp  float32
	shotTime time.Time
}

// NewLibcamera creates the backend. Connect must be called before use.
func NewLibcamera(cfg LibcameraConfig, log *zap.Logger) *Libcamera {
	if cfg.Binary == "" {
		cfg.Binary = "libcamera-still"
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if cfg.Width == 0 {
		cfg.Width = 1920
	}
	if cfg.Height == 0 {
		cfg.Height = 1080
	}
	if cfg.BitDepth == 0 {
		cfg.BitDepth = 12
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Libcamera{cfg: cfg, log: log.Named("libcamera"), binning: 1}
}

// Connect checks the binary is runnable and reports the device description.
func (l *Libcamera) Connect(endpoint string) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bin := l.cfg.Binary
	if endpoint != "" {
		bin = endpoint
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return Info{}, fmt.Errorf("libcamera binary %q: %w", bin, ErrNotFound)
	}
	l.cfg.Binary = path
	l.connected = true

	info := Info{
		Name:           filepath.Base(path),
		PixelSizeUm:    1.55,
		MinExposureSec: 0.000032,
		MaxExposureSec: 200.0,
		DefExposureSec: 1.0,
		BitDepth:       l.cfg.BitDepth,
		Width:          l.cfg.Width,
		Height:         l.cfg.Height,
		Bayer:          l.cfg.Bayer,
		HasTempSensor:  false,
	}
	l.log.Info("connected",
		zap.String("binary", path),
		zap.Uint32("width", info.Width),
		zap.Uint32("height", info.Height),
		zap.Uint8("bit_depth", info.BitDepth))
	return info, nil
}

// SetGain stores the analogue gain to pass to the next exposure.
func (l *Libcamera) SetGain(gain int32) error {
	if gain < 0 || gain > 1000 {
		return fmt.Errorf("gain %d: %w", gain, ErrOutOfRange)
	}
	l.mu.Lock()
	l.gain = gain
	l.mu.Unlock()
	return nil
}

// SetBinning is accepted for 1 and 2 (implemented as half-resolution scaling).
func (l *Libcamera) SetBinning(bin int32) error {
	if bin < 1 || bin > 2 {
		return fmt.Errorf("binning %d: %w", bin, ErrOutOfRange)
	}
	l.mu.Lock()
	l.binning = bin
	l.mu.Unlock()
	return nil
}

// SetFrameType selects dark frames; libcamera has no shutter so darks rely
// on a lens cap, but the type still tags the output.
func (l *Libcamera) SetFrameType(ft FrameType) error {
	l.mu.Lock()
	l.frameType = ft
	l.mu.Unlock()
	return nil
}

// SensorTemp is unsupported by the still binaries.
func (l *Libcamera) SensorTemp() (float32, error) {
	return 0, ErrUnsupported
}

// Shoot launches one capture subprocess and returns immediately. The caller
// collects the result with WaitBlob.
func (l *Libcamera) Shoot(ctx context.Context, exposureSec float32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return ErrNotConnected
	}
	if l.cmd != nil {
		return ErrShootPending
	}

	outfile := filepath.Join(l.cfg.TmpDir,
		fmt.Sprintf("allsky_cap_%d.pgm", time.Now().UnixNano()))

	exposureUs := int64(float64(exposureSec) * 1e6)
	width := l.cfg.Width / uint32(l.binning)
	height := l.cfg.Height / uint32(l.binning)

	args := []string{
		"--nopreview",
		"--immediate",
		"--encoding", "raw",
		"--shutter", strconv.FormatInt(exposureUs, 10),
		"--gain", strconv.FormatInt(int64(l.gain), 10),
		"--width", strconv.FormatUint(uint64(width), 10),
		"--height", strconv.FormatUint(uint64(height), 10),
		"--output", outfile,
	}
	if l.cfg.AWBGains != "" {
		args = append(args, "--awbgains", l.cfg.AWBGains)
	}
	args = append(args, l.cfg.ExtraArgs...)

	cmd := exec.CommandContext(ctx, l.cfg.Binary, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", l.cfg.Binary, errors.Join(ErrHardware, err))
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	l.cmd = cmd
	l.waitErr = waitErr
	l.outfile = outfile
	l.shotExp = exposureSec
	l.shotTime = time.Now().UTC()
	return nil
}

// WaitBlob blocks until the in-flight subprocess exits and its output is
// read, or until ctx expires (ErrTimeout; the child is killed).
func (l *Libcamera) WaitBlob(ctx context.Context) (*Blob, error) {
	l.mu.Lock()
	cmd := l.cmd
	waitErr := l.waitErr
	outfile := l.outfile
	exp := l.shotExp
	shotTime := l.shotTime
	gain := l.gain
	bin := l.binning
	l.mu.Unlock()

	if cmd == nil {
		return nil, ErrNoShootActive
	}

	defer func() {
		l.mu.Lock()
		l.cmd = nil
		l.waitErr = nil
		l.outfile = ""
		l.mu.Unlock()
		_ = os.Remove(outfile)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("capture subprocess: %w", errors.Join(ErrHardware, err))
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ErrTimeout
	}

	data, err := os.ReadFile(outfile)
	if err != nil {
		return nil, fmt.Errorf("reading capture output: %w", errors.Join(ErrHardware, err))
	}

	blob, err := l.parsePGM(data)
	if err != nil {
		return nil, err
	}
	blob.CapturedAt = shotTime
	blob.ExposureSec = exp
	blob.Gain = gain
	blob.Binning = bin
	blob.Bayer = l.cfg.Bayer
	return blob, nil
}

// parsePGM decodes the binary PGM (P5) raw frame that libcamera-still emits
// for --encoding raw. 16-bit samples are big-endian per the netpbm spec and
// are converted to the host-order []byte layout the image worker expects
// (little-endian uint16).
func (l *Libcamera) parsePGM(data []byte) (*Blob, error) {
	fields := make([]string, 0, 4)
	pos := 0
	for len(fields) < 4 && pos < len(data) {
		for pos < len(data) && (data[pos] == ' ' || data[pos] == '\n' || data[pos] == '\t' || data[pos] == '\r') {
			pos++
		}
		if pos < len(data) && data[pos] == '#' {
			for pos < len(data) && data[pos] != '\n' {
				pos++
			}
			continue
		}
		start := pos
		for pos < len(data) && data[pos] != ' ' && data[pos] != '\n' && data[pos] != '\t' && data[pos] != '\r' {
			pos++
		}
		if pos > start {
			fields = append(fields, string(data[start:pos]))
		}
	}
	if len(fields) < 4 || fields[0] != "P5" {
		return nil, fmt.Errorf("capture output is not a binary PGM: %w", ErrHardware)
	}
	pos++ // single whitespace after maxval

	width, err1 := strconv.ParseUint(fields[1], 10, 32)
	height, err2 := strconv.ParseUint(fields[2], 10, 32)
	maxval, err3 := strconv.ParseUint(fields[3], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, fmt.Errorf("bad PGM header %q: %w", strings.Join(fields, " "), ErrHardware)
	}

	var bitDepth uint8
	for v := maxval; v > 0; v >>= 1 {
		bitDepth++
	}

	pixels := data[pos:]
	if maxval > 255 {
		want := int(width) * int(height) * 2
		if len(pixels) < want {
			return nil, fmt.Errorf("short PGM payload: got %d want %d: %w", len(pixels), want, ErrHardware)
		}
		// netpbm is big-endian; rewrite in place to little-endian.
		out := make([]byte, want)
		for i := 0; i < want; i += 2 {
			binary.LittleEndian.PutUint16(out[i:], binary.BigEndian.Uint16(pixels[i:]))
		}
		pixels = out
	} else {
		want := int(width) * int(height)
		if len(pixels) < want {
			return nil, fmt.Errorf("short PGM payload: got %d want %d: %w", len(pixels), want, ErrHardware)
		}
		pixels = pixels[:want]
	}

	return &Blob{
		Data:     pixels,
		BitDepth: bitDepth,
		Width:    uint32(width),
		Height:   uint32(height),
	}, nil
}

// Disconnect kills any in-flight subprocess.
func (l *Libcamera) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cmd != nil && l.cmd.Process != nil {
		_ = l.cmd.Process.Kill()
	}
	l.cmd = nil
	l.connected = false
	return nil
}

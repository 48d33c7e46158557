// Package camera defines the backend capability the capture loop drives and
// the blob type that crosses the image queue. Concrete backends wrap either
// a subprocess (libcamera) or a synthetic source (sim); all of them are
// interchangeable behind the Camera interface.
package camera

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound      = errors.New("camera not found")
	ErrBusy          = errors.New("camera busy")
	ErrBadConfig     = errors.New("bad camera config")
	ErrOutOfRange    = errors.New("value out of range")
	ErrUnsupported   = errors.New("unsupported operation")
	ErrTimeout       = errors.New("camera timeout")
	ErrHardware      = errors.New("hardware error")
	ErrNotConnected  = errors.New("camera not connected")
	ErrShootPending  = errors.New("exposure already in flight")
	ErrNoShootActive = errors.New("no exposure in flight")
)

// BayerPattern identifies the sensor mosaic.
type BayerPattern int

const (
	BayerMono BayerPattern = iota
	BayerRGGB
	BayerGRBG
	BayerBGGR
	BayerGBRG
	BayerNone // already-demosaiced RGB source
)

func (b BayerPattern) String() string {
	switch b {
	case BayerMono:
		return "MONO"
	case BayerRGGB:
		return "RGGB"
	case BayerGRBG:
		return "GRBG"
	case BayerBGGR:
		return "BGGR"
	case BayerGBRG:
		return "GBRG"
	case BayerNone:
		return "RGB"
	default:
		return "?"
	}
}

// ParseBayerPattern maps a config/driver string to a pattern.
func ParseBayerPattern(s string) (BayerPattern, error) {
	switch s {
	case "", "MONO", "mono":
		return BayerMono, nil
	case "RGGB":
		return BayerRGGB, nil
	case "GRBG":
		return BayerGRBG, nil
	case "BGGR":
		return BayerBGGR, nil
	case "GBRG":
		return BayerGBRG, nil
	case "RGB", "rgb":
		return BayerNone, nil
	default:
		return BayerMono, ErrBadConfig
	}
}

// FrameType selects light or dark (shutter closed) exposures.
type FrameType int

const (
	FrameLight FrameType = iota
	FrameDark
)

// Info is the static per-device description, captured once at connect and
// re-read only after a forced reconfigure.
type Info struct {
	Name           string
	PixelSizeUm    float64
	MinExposureSec float64
	MaxExposureSec float64
	DefExposureSec float64
	BitDepth       uint8
	Width          uint32
	Height         uint32
	Bayer          BayerPattern
	HasTempSensor  bool
}

// Blob is one raw exposure as delivered by a backend. Its lifetime is
// bounded by the single image-worker task that pops it from the queue.
type Blob struct {
	Data        []byte
	BitDepth    uint8
	Width       uint32
	Height      uint32
	Bayer       BayerPattern
	CapturedAt  time.Time
	ExposureSec float32
	Gain        int32
	Binning     int32
}

// Camera is the stable backend contract. Shoot arms a non-blocking exposure;
// WaitBlob blocks until the blob is ready or the context deadline fires. The
// pair is called in lock-step by the single capture goroutine. A WaitBlob
// that hits the deadline returns ErrTimeout and never delivers a blob.
type Camera interface {
	Connect(endpoint string) (Info, error)
	SetGain(gain int32) error
	SetBinning(bin int32) error
	SetFrameType(ft FrameType) error
	// SensorTemp reads the sensor temperature in Celsius; ErrUnsupported if
	// the device has no sensor.
	SensorTemp() (float32, error)
	Shoot(ctx context.Context, exposureSec float32) error
	WaitBlob(ctx context.Context) (*Blob, error)
	Disconnect() error
}

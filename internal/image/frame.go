// Package image is the worker side of the pipeline: it consumes raw blobs
// from the capture loop, calibrates, debayers, stretches and annotates them,
// writes the per-frame artifact and feeds the aggregators, the metadata
// store and the auto-exposure controller.
package image

import (
	"math"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/camera"
	"github.com/mikeyg42/allsky/internal/daynight"
)

// Frame is the immutable record emitted once per processed capture.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time // UTC

	ExposureSec float32
	Gain        int32
	Binning     int32

	BitDepth uint8 // effective, detected from the data
	Bayer    camera.BayerPattern
	Width    uint32
	Height   uint32

	// Statistics over the SQM region, in source bit depth ADU.
	MeanADU   float32
	StdDevADU float32
	Stars     uint32
	// SaturatedPx counts pixels above the star-trail mask threshold; the
	// star-trail gate consumes it without re-scanning the image.
	SaturatedPx int64

	SunAltRad    float32
	MoonAltRad   float32
	MoonPhasePct float32
	Regime       daynight.Regime
	DayDate      time.Time // civil date, midnight UTC

	SensorTemp float32
	SQM        float32
	Stable     bool // auto-exposure controller was locked at shoot time
	CameraID   int32

	Path     string
	Uploaded bool
}

// Night reports whether the frame was captured in a night regime.
func (f *Frame) Night() bool { return f.Regime.Night() }

// SunAltDeg returns the solar altitude in degrees.
func (f *Frame) SunAltDeg() float64 { return float64(f.SunAltRad) * 180 / math.Pi }

// MoonAltDeg returns the lunar altitude in degrees.
func (f *Frame) MoonAltDeg() float64 { return float64(f.MoonAltRad) * 180 / math.Pi }

// Aggregator receives each processed frame together with its final 8-bit BGR
// image. Implementations must not retain img beyond the call; they copy what
// they keep. Aggregators never propagate errors upstream: they log and
// reset internally.
type Aggregator interface {
	Name() string
	Accept(f *Frame, img gocv.Mat)
}

// ExposureFeedback receives the mean ADU of each non-dropped frame; the
// capture loop's auto-exposure controller implements it.
type ExposureFeedback interface {
	Observe(meanADU float64, bitDepth uint8)
}

// FrameRecorder persists the frame record; the database store implements it.
type FrameRecorder interface {
	RecordFrame(f *Frame) error
}

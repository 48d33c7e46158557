// Package state holds the process-wide shared cells written by the capture
// loop and the day/night manager and read by the image worker and the
// aggregators. Every cell is an independent atomic; there is no whole-bus
// snapshot. Readers only combine fields that the writer published before
// enqueueing the blob they are processing, so channel publication provides
// the ordering.
package state

import (
	"math"
	"sync/atomic"
	"time"
)

// Cells is the shared state bus.
type Cells struct {
	exposure   atomic.Uint32 // float32 bits, seconds
	gain       atomic.Int32
	binning    atomic.Int32
	sensorTemp atomic.Uint32 // float32 bits, Celsius
	night      atomic.Bool
	moonMode   atomic.Bool
	moonPhase  atomic.Uint32 // float32 bits, percent
	dayDate    atomic.Int64  // unix seconds of the civil date at midnight UTC
	dropped    atomic.Uint64 // blobs dropped on image queue overflow
}

// NewCells returns a bus with sane camera defaults.
func NewCells() *Cells {
	c := &Cells{}
	c.SetExposure(1.0)
	c.SetBinning(1)
	return c
}

func (c *Cells) Exposure() float32     { return math.Float32frombits(c.exposure.Load()) }
func (c *Cells) SetExposure(v float32) { c.exposure.Store(math.Float32bits(v)) }

func (c *Cells) Gain() int32     { return c.gain.Load() }
func (c *Cells) SetGain(v int32) { c.gain.Store(v) }

func (c *Cells) Binning() int32     { return c.binning.Load() }
func (c *Cells) SetBinning(v int32) { c.binning.Store(v) }

func (c *Cells) SensorTemp() float32     { return math.Float32frombits(c.sensorTemp.Load()) }
func (c *Cells) SetSensorTemp(v float32) { c.sensorTemp.Store(math.Float32bits(v)) }

func (c *Cells) Night() bool     { return c.night.Load() }
func (c *Cells) SetNight(v bool) { c.night.Store(v) }

func (c *Cells) MoonMode() bool     { return c.moonMode.Load() }
func (c *Cells) SetMoonMode(v bool) { c.moonMode.Store(v) }

func (c *Cells) MoonPhase() float32     { return math.Float32frombits(c.moonPhase.Load()) }
func (c *Cells) SetMoonPhase(v float32) { c.moonPhase.Store(math.Float32bits(v)) }

// DayDate returns the current observing date (midnight UTC of the civil day).
func (c *Cells) DayDate() time.Time {
	return time.Unix(c.dayDate.Load(), 0).UTC()
}

// SetDayDate stores the civil date; only the Y/M/D of d is kept.
func (c *Cells) SetDayDate(d time.Time) {
	y, m, day := d.UTC().Date()
	c.dayDate.Store(time.Date(y, m, day, 0, 0, 0, 0, time.UTC).Unix())
}

// DroppedFrames returns the running count of blobs dropped on queue overflow.
func (c *Cells) DroppedFrames() uint64 { return c.dropped.Load() }

// AddDroppedFrame increments the drop counter and returns the new total.
func (c *Cells) AddDroppedFrame() uint64 { return c.dropped.Add(1) }

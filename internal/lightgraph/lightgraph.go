// Package lightgraph renders the 24-hour sun-altitude colour strip: one
// column per minute of the day, coloured by how far the sun sits above or
// below the horizon, with hour ticks and a marker at the current time.
package lightgraph

import (
	"fmt"
	goimage "image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/astro"
	"github.com/mikeyg42/allsky/internal/config"
)

const minutesPerDay = 1440

// Altitude anchors for the colour ramp, degrees.
const (
	dayAltDeg       = 0.0
	nightAltDeg     = -18.0
	twilightPeakDeg = -9.0
)

var (
	dayColor      = color.RGBA{R: 120, G: 185, B: 255, A: 255}
	twilightColor = color.RGBA{R: 255, G: 140, B: 60, A: 255}
	nightColor    = color.RGBA{R: 10, G: 10, B: 40, A: 255}
	borderColor   = color.RGBA{R: 200, G: 200, B: 200, A: 255}
	markerColor   = color.RGBA{R: 255, G: 40, B: 40, A: 255}
)

// Graph renders strips for a fixed site.
type Graph struct {
	cfg config.LightgraphConfig
	obs astro.Observer
	dir string
	log *zap.Logger
}

func New(cfg config.LightgraphConfig, obs astro.Observer, outputDir string, log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Height < 12 {
		cfg.Height = 30
	}
	return &Graph{cfg: cfg, obs: obs, dir: outputDir, log: log.Named("lightgraph")}
}

// colourAt maps a sun altitude to the ramp: solid day at the horizon and
// above, solid night at astronomical dark, with the twilight hue peaking
// midway and blending towards both anchors.
func colourAt(altDeg float64) color.RGBA {
	switch {
	case altDeg >= dayAltDeg:
		return dayColor
	case altDeg <= nightAltDeg:
		return nightColor
	case altDeg >= twilightPeakDeg:
		f := (dayAltDeg - altDeg) / (dayAltDeg - twilightPeakDeg)
		return blend(dayColor, twilightColor, f)
	default:
		f := (twilightPeakDeg - altDeg) / (twilightPeakDeg - nightAltDeg)
		return blend(twilightColor, nightColor, f)
	}
}

func blend(a, b color.RGBA, f float64) color.RGBA {
	f = math.Max(0, math.Min(1, f))
	lerp := func(x, y uint8) uint8 {
		return uint8(float64(x) + (float64(y)-float64(x))*f)
	}
	return color.RGBA{R: lerp(a.R, b.R), G: lerp(a.G, b.G), B: lerp(a.B, b.B), A: 255}
}

// Render builds the strip for the UTC day containing dayDate, marking now
// when it falls inside that day.
func (g *Graph) Render(dayDate, now time.Time) gocv.Mat {
	h := g.cfg.Height
	strip := gocv.NewMatWithSize(h, minutesPerDay, gocv.MatTypeCV8UC3)

	dayStart := time.Date(dayDate.Year(), dayDate.Month(), dayDate.Day(), 0, 0, 0, 0, time.UTC)
	data, err := strip.DataPtrUint8()
	if err != nil {
		return strip
	}

	for min := 0; min < minutesPerDay; min++ {
		pos := astro.SunPosition(dayStart.Add(time.Duration(min)*time.Minute), g.obs)
		c := colourAt(pos.AltitudeRad * 180 / math.Pi)
		for y := 0; y < h; y++ {
			off := (y*minutesPerDay + min) * 3
			data[off] = c.B
			data[off+1] = c.G
			data[off+2] = c.R
		}
	}

	for hr := 0; hr < 24; hr++ {
		x := hr * 60
		gocv.Line(&strip, goimage.Pt(x, h-6), goimage.Pt(x, h-1), borderColor, 1)
		if hr%3 == 0 {
			gocv.PutText(&strip, fmt.Sprintf("%02d", hr), goimage.Pt(x+2, h-8),
				gocv.FontHersheyPlain, 0.7, borderColor, 1)
		}
	}

	if elapsed := now.UTC().Sub(dayStart); elapsed >= 0 && elapsed < 24*time.Hour {
		x := int(elapsed.Minutes())
		gocv.Line(&strip, goimage.Pt(x, 0), goimage.Pt(x, h-1), markerColor, 2)
	}

	gocv.Rectangle(&strip, goimage.Rect(0, 0, minutesPerDay-1, h-1), borderColor, 1)
	return strip
}

// Write renders and saves the strip for a day.
func (g *Graph) Write(dayDate, now time.Time) (string, error) {
	strip := g.Render(dayDate, now)
	defer strip.Close()

	dir := filepath.Join(g.dir, dayDate.Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating lightgraph dir: %w", err)
	}
	path := filepath.Join(dir, "lightgraph-"+dayDate.Format("20060102")+".png")
	if ok := gocv.IMWrite(path, strip); !ok {
		return "", fmt.Errorf("writing lightgraph %s failed", path)
	}
	g.log.Info("lightgraph written", zap.String("path", path))
	return path, nil
}

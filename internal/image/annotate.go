package image

import (
	"fmt"
	goimage "image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/config"
)

var (
	starWhite   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	labelWhite  = color.RGBA{R: 230, G: 230, B: 230, A: 255}
	labelShadow = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// annotate draws the telemetry block and optional cardinal labels onto the
// final 8-bit image.
func annotate(img *gocv.Mat, f *Frame, sensorTemp float32, cfg config.ImageConfig) {
	lines := []string{
		f.CapturedAt.Format("2006-01-02 15:04:05 MST"),
		fmt.Sprintf("Exposure %.5fs  Gain %d  Bin %d", f.ExposureSec, f.Gain, f.Binning),
		fmt.Sprintf("Temp %.1fC  Stars %d", sensorTemp, f.Stars),
		fmt.Sprintf("Sun %.1f  Moon %.1f (%.0f%%)",
			float64(f.SunAltRad)*180/math.Pi,
			float64(f.MoonAltRad)*180/math.Pi,
			f.MoonPhasePct),
	}

	const lineHeight = 22
	for i, line := range lines {
		org := goimage.Pt(10, 25+i*lineHeight)
		drawOutlinedText(img, line, org, 0.55)
	}

	if cfg.CardinalDirs {
		drawCardinals(img, cfg)
	}
}

// drawOutlinedText draws text twice, a thick black pass under a thin light
// pass, so labels stay readable over both sky and stars.
func drawOutlinedText(img *gocv.Mat, text string, org goimage.Point, scale float64) {
	gocv.PutText(img, text, org, gocv.FontHersheySimplex, scale, labelShadow, 3)
	gocv.PutText(img, text, org, gocv.FontHersheySimplex, scale, labelWhite, 1)
}

// cardinalPoint computes where on the image boundary the label for a
// direction offset (0=N, 90=E, 180=S, 270=W from the lens azimuth) lands:
// the ray from the image centre at that angle is intersected with the image
// rectangle and clamped by the configured margin.
func cardinalPoint(width, height int, azimuthDeg, offsetDeg float64, margin int) goimage.Point {
	theta := math.Mod(azimuthDeg+offsetDeg, 360.0)
	if theta < 0 {
		theta += 360.0
	}
	rad := theta * math.Pi / 180.0

	cx := float64(width) / 2
	cy := float64(height) / 2

	// Direction vector in image coordinates: angle measured from "up"
	// (north) clockwise, y axis pointing down.
	dx := math.Sin(rad)
	dy := -math.Cos(rad)

	// Distance to each boundary along the ray; the smaller positive t wins,
	// which switches edges at 90deg - atan(h/w) from vertical.
	t := math.Inf(1)
	if dx > 1e-9 {
		t = math.Min(t, (float64(width)-cx)/dx)
	} else if dx < -1e-9 {
		t = math.Min(t, -cx/dx)
	}
	if dy > 1e-9 {
		t = math.Min(t, (float64(height)-cy)/dy)
	} else if dy < -1e-9 {
		t = math.Min(t, -cy/dy)
	}
	if math.IsInf(t, 1) {
		t = 0
	}

	x := int(cx + dx*t)
	y := int(cy + dy*t)

	if x < margin {
		x = margin
	}
	if x > width-margin {
		x = width - margin
	}
	if y < margin {
		y = margin
	}
	if y > height-margin {
		y = height - margin
	}
	return goimage.Pt(x, y)
}

// drawCardinals places N/E/S/W on the image edge, rotated by the configured
// lens azimuth. Flip flags swap the labels pairwise because a flipped image
// mirrors the sky.
func drawCardinals(img *gocv.Mat, cfg config.ImageConfig) {
	labels := map[float64]string{0: "N", 90: "E", 180: "S", 270: "W"}

	if cfg.FlipVertical {
		labels[0], labels[180] = labels[180], labels[0]
	}
	if cfg.FlipHorizontal {
		labels[90], labels[270] = labels[270], labels[90]
	}

	margin := cfg.LabelMarginPx
	if margin <= 0 {
		margin = 12
	}

	for offset, label := range labels {
		pt := cardinalPoint(img.Cols(), img.Rows(), cfg.LensAzimuthDeg, offset, margin)
		drawOutlinedText(img, label, pt, 0.8)
	}
}

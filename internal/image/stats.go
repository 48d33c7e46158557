package image

import (
	goimage "image"
	"math"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/config"
)

// roiStats carries the brightness statistics of the SQM region.
type roiStats struct {
	rect   goimage.Rectangle
	mean   float64
	stddev float64
}

// sqmRegion resolves the configured SQM ROI against the frame geometry; a
// zero ROI falls back to the central quarter of the image.
func sqmRegion(roi config.ROI, width, height int) goimage.Rectangle {
	if roi.IsZero() {
		return goimage.Rect(width/4, height/4, 3*width/4, 3*height/4)
	}
	r := goimage.Rect(roi.X, roi.Y, roi.X+roi.Width, roi.Y+roi.Height)
	return r.Intersect(goimage.Rect(0, 0, width, height))
}

// computeROIStats computes mean and stddev over every channel sample inside
// rect, in source-depth ADU. One pass, Welford-free: the summation form is
// fine because sample counts are bounded by the sensor size.
func computeROIStats(mat gocv.Mat, bits uint8, rect goimage.Rectangle) roiStats {
	channels := mat.Channels()
	cols := mat.Cols()

	var sum, sumSq float64
	var n int64

	accumulate := func(v float64) {
		sum += v
		sumSq += v * v
		n++
	}

	if bits <= 8 {
		data, err := mat.DataPtrUint8()
		if err != nil {
			return roiStats{rect: rect}
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			rowOff := y * cols * channels
			for x := rect.Min.X; x < rect.Max.X; x++ {
				for ch := 0; ch < channels; ch++ {
					accumulate(float64(data[rowOff+x*channels+ch]))
				}
			}
		}
	} else {
		data, err := mat.DataPtrUint16()
		if err != nil {
			return roiStats{rect: rect}
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			rowOff := y * cols * channels
			for x := rect.Min.X; x < rect.Max.X; x++ {
				for ch := 0; ch < channels; ch++ {
					accumulate(float64(data[rowOff+x*channels+ch]))
				}
			}
		}
	}

	if n == 0 {
		return roiStats{rect: rect}
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return roiStats{rect: rect, mean: mean, stddev: math.Sqrt(variance)}
}

// starTemplate builds the synthetic blurred-disc kernel used for star
// matching: a bright disc on black, Gaussian blurred to approximate a PSF.
func starTemplate() gocv.Mat {
	const size = 15
	tmpl := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8UC1)
	gocv.Circle(&tmpl, goimage.Pt(size/2, size/2), 3, starWhite, -1)

	blurred := gocv.NewMat()
	gocv.GaussianBlur(tmpl, &blurred, goimage.Pt(5, 5), 0, 0, gocv.BorderDefault)
	tmpl.Close()
	return blurred
}

// detectStars counts point sources in the final 8-bit image by normalized
// cross-correlation against the synthetic PSF, deduplicating hits closer
// than dedupDist pixels.
func detectStars(img8 gocv.Mat, minScore float32, dedupDist int) uint32 {
	gray := gocv.NewMat()
	defer gray.Close()
	if img8.Channels() > 1 {
		gocv.CvtColor(img8, &gray, gocv.ColorBGRToGray)
	} else {
		img8.CopyTo(&gray)
	}

	tmpl := starTemplate()
	defer tmpl.Close()

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.MatchTemplate(gray, tmpl, &result, gocv.TmCcoeffNormed, mask)

	scores, err := result.DataPtrFloat32()
	if err != nil {
		return 0
	}

	cols := result.Cols()
	type hit struct{ x, y int }
	var hits []hit

	for i, score := range scores {
		if score < minScore {
			continue
		}
		x := i % cols
		y := i / cols

		dup := false
		for _, h := range hits {
			dx := h.x - x
			dy := h.y - y
			if dx*dx+dy*dy <= dedupDist*dedupDist {
				dup = true
				break
			}
		}
		if !dup {
			hits = append(hits, hit{x, y})
		}
	}
	return uint32(len(hits))
}

// countSaturated counts samples at or above threshold in the final 8-bit
// grayscale view; the star-trail gate uses it for the pixel-cutoff test.
func countSaturated(img8 gocv.Mat, threshold float64) int64 {
	gray := gocv.NewMat()
	defer gray.Close()
	if img8.Channels() > 1 {
		gocv.CvtColor(img8, &gray, gocv.ColorBGRToGray)
	} else {
		img8.CopyTo(&gray)
	}

	bin := gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(gray, &bin, float32(threshold), 255, gocv.ThresholdBinary)
	return int64(gocv.CountNonZero(bin))
}

package image

import (
	"fmt"
	"math"
	"sort"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

// madScale converts a median absolute deviation to a stddev-equivalent
// spread for a normal distribution.
const madScale = 1.4826

// lut is a monotone transfer function over the source bit depth, applied
// with a single indexed-gather pass over the pixel array.
type lut struct {
	bits  uint8
	table []uint16
}

func newLUT(bits uint8) *lut {
	return &lut{bits: bits, table: make([]uint16, uint32(1)<<bits)}
}

// apply gathers every sample through the table in place. Works for 1- and
// 3-channel Mats since both expose a flat sample slice.
func (l *lut) apply(mat *gocv.Mat) error {
	if l.bits <= 8 {
		data, err := mat.DataPtrUint8()
		if err != nil {
			return fmt.Errorf("lut apply (8-bit): %w", err)
		}
		for i, v := range data {
			data[i] = uint8(l.table[v])
		}
		return nil
	}

	data, err := mat.DataPtrUint16()
	if err != nil {
		return fmt.Errorf("lut apply (16-bit): %w", err)
	}
	mask := uint16(len(l.table) - 1)
	for i, v := range data {
		data[i] = l.table[v&mask]
	}
	return nil
}

// monotone reports whether the table never decreases; every stretch must
// hold this so ordering of pixel intensities survives.
func (l *lut) monotone() bool {
	for i := 1; i < len(l.table); i++ {
		if l.table[i] < l.table[i-1] {
			return false
		}
	}
	return true
}

// gammaLUT builds out = (in/max)^(1/gamma) * max.
func gammaLUT(bits uint8, gamma float64) *lut {
	l := newLUT(bits)
	maxV := float64(len(l.table) - 1)
	inv := 1.0 / gamma
	for i := range l.table {
		l.table[i] = uint16(math.Round(math.Pow(float64(i)/maxV, inv) * maxV))
	}
	return l
}

// linearLUT maps [low, high] -> [0, max] with clipping at both ends.
func linearLUT(bits uint8, low, high float64) *lut {
	l := newLUT(bits)
	maxV := float64(len(l.table) - 1)
	if high <= low {
		high = low + 1
	}
	scale := maxV / (high - low)
	for i := range l.table {
		v := (float64(i) - low) * scale
		if v < 0 {
			v = 0
		}
		if v > maxV {
			v = maxV
		}
		l.table[i] = uint16(v)
	}
	return l
}

// StretchStdDev is stretch mode 1: gamma LUT followed by a linear cutoff
// placed k standard deviations below the ROI mean.
type StretchStdDev struct {
	Gamma float64
	K     float64
}

// Apply stretches mat in place; mean and stddev are the post-gamma ROI
// statistics computed by the caller's stats pass over the same data.
func (s StretchStdDev) Apply(mat *gocv.Mat, bits uint8, roi roiStats) error {
	if err := gammaLUT(bits, s.Gamma).apply(mat); err != nil {
		return err
	}

	// Statistics move under the gamma LUT, so recompute over the ROI.
	post := computeROIStats(*mat, bits, roi.rect)

	maxV := float64(uint32(1)<<bits - 1)
	low := post.mean - s.K*post.stddev
	if low < 0 {
		low = 0
	}
	return linearLUT(bits, low, maxV).apply(mat)
}

// StretchMTF is stretch mode 2: the midtones transfer function with
// automatic shadow clipping from the median and MAD of the frame.
type StretchMTF struct {
	Shadows    float64 // S, fraction of full scale
	Midtones   float64 // M
	Highlights float64 // H
	BlackClip  float64 // b, typically -2.8
}

// mtf is the midtones transfer function; mtf(0.5, x) == x.
func mtf(m, v float64) float64 {
	den := (2*m-1)*v - m
	if math.Abs(den) < 1e-12 {
		return 0
	}
	return ((m - 1) * v) / den
}

// Apply stretches mat in place.
func (s StretchMTF) Apply(mat *gocv.Mat, bits uint8) error {
	maxV := float64(uint32(1)<<bits - 1)

	med, mad, err := channelMedianMAD(*mat, bits)
	if err != nil {
		return err
	}

	// Normalised location and spread, averaged over channels.
	m := stat.Mean(med, nil) / maxV
	d := stat.Mean(mad, nil) * madScale / maxV

	c := m + s.BlackClip*d
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}

	midtone := mtf(s.Midtones, m-c)
	if midtone <= 0 || midtone >= 1 {
		midtone = s.Midtones
	}

	l := newLUT(bits)
	span := (s.Highlights - s.Shadows) * maxV
	if span <= 0 {
		span = maxV
	}
	for i := range l.table {
		x := (float64(i) - s.Shadows*maxV) / span
		if x < 0 {
			x = 0
		}
		if x > 1 {
			x = 1
		}
		xc := 0.0
		if c < 1 {
			xc = (x - c) / (1 - c)
		}
		if xc < 0 {
			xc = 0
		}
		if xc > 1 {
			xc = 1
		}
		y := mtf(midtone, xc)
		if y < 0 {
			y = 0
		}
		if y > 1 {
			y = 1
		}
		l.table[i] = uint16(math.Round(y * maxV))
	}
	return l.apply(mat)
}

// channelMedianMAD returns the per-channel median and MAD of a BGR Mat,
// subsampled to keep the sort bounded on large sensors.
func channelMedianMAD(mat gocv.Mat, bits uint8) (median, mad []float64, err error) {
	channels := mat.Channels()
	const maxSamples = 65536

	gather := func(read func(i int) float64, n int) []float64 {
		stride := n / maxSamples
		if stride < 1 {
			stride = 1
		}
		out := make([]float64, 0, n/stride+1)
		for i := 0; i < n; i += stride {
			out = append(out, read(i))
		}
		return out
	}

	perChannel := make([][]float64, channels)
	if bits <= 8 {
		data, derr := mat.DataPtrUint8()
		if derr != nil {
			return nil, nil, fmt.Errorf("median/MAD: %w", derr)
		}
		for ch := 0; ch < channels; ch++ {
			off := ch
			perChannel[ch] = gather(func(i int) float64 {
				return float64(data[i*channels+off])
			}, len(data)/channels)
		}
	} else {
		data, derr := mat.DataPtrUint16()
		if derr != nil {
			return nil, nil, fmt.Errorf("median/MAD: %w", derr)
		}
		for ch := 0; ch < channels; ch++ {
			off := ch
			perChannel[ch] = gather(func(i int) float64 {
				return float64(data[i*channels+off])
			}, len(data)/channels)
		}
	}

	median = make([]float64, channels)
	mad = make([]float64, channels)
	for ch, samples := range perChannel {
		sort.Float64s(samples)
		median[ch] = stat.Quantile(0.5, stat.Empirical, samples, nil)

		dev := make([]float64, len(samples))
		for i, v := range samples {
			dev[i] = math.Abs(v - median[ch])
		}
		sort.Float64s(dev)
		mad[ch] = stat.Quantile(0.5, stat.Empirical, dev, nil)
	}
	return median, mad, nil
}

// downsampleTo8 converts a source-depth Mat to 8-bit for output encoding.
func downsampleTo8(src gocv.Mat, bits uint8) gocv.Mat {
	if bits <= 8 {
		dst := gocv.NewMat()
		src.CopyTo(&dst)
		return dst
	}
	dst := gocv.NewMat()
	scale := 255.0 / float64(uint32(1)<<bits-1)
	matType := gocv.MatTypeCV8UC1
	if src.Channels() == 3 {
		matType = gocv.MatTypeCV8UC3
	}
	src.ConvertToWithParams(&dst, matType, float32(scale), 0)
	return dst
}

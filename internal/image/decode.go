package image

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/camera"
)

// decoded is the working representation of a blob: a single-channel Mat in
// the source bit depth (8-bit stays CV_8U, everything deeper is carried in a
// CV_16U container holding right-aligned source-depth samples, so ADU values
// read straight out of the data).
type decoded struct {
	mat      gocv.Mat
	bitDepth uint8 // effective depth detected from the samples
	maxADU   float64
}

func (d *decoded) Close() {
	if d.mat.Ptr() != nil {
		d.mat.Close()
	}
}

// DecodeBlob wraps a raw capture in a single-channel Mat at its native bit
// depth. The caller owns the Mat.
func DecodeBlob(blob *camera.Blob) (gocv.Mat, uint8, error) {
	dec, err := decode(blob)
	if err != nil {
		return gocv.Mat{}, 0, err
	}
	return dec.mat, dec.bitDepth, nil
}

// decode wraps the blob bytes in a Mat and detects the effective bit depth
// from the brightest sample. A camera that claims 16 bits but delivers
// 12-bit data yields bitDepth 12, and all downstream ADU math uses that.
func decode(blob *camera.Blob) (*decoded, error) {
	rows := int(blob.Height)
	cols := int(blob.Width)
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("blob has empty dimensions %dx%d", cols, rows)
	}

	if blob.BitDepth <= 8 {
		want := rows * cols
		if len(blob.Data) < want {
			return nil, fmt.Errorf("8-bit blob short: %d < %d", len(blob.Data), want)
		}
		mat, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC1, blob.Data[:want])
		if err != nil {
			return nil, fmt.Errorf("wrapping 8-bit blob: %w", err)
		}
		return &decoded{mat: mat, bitDepth: 8, maxADU: 255}, nil
	}

	want := rows * cols * 2
	if len(blob.Data) < want {
		return nil, fmt.Errorf("16-bit blob short: %d < %d", len(blob.Data), want)
	}
	mat, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV16UC1, blob.Data[:want])
	if err != nil {
		return nil, fmt.Errorf("wrapping 16-bit blob: %w", err)
	}

	depth := detectBitDepth(mat, blob.BitDepth)
	return &decoded{
		mat:      mat,
		bitDepth: depth,
		maxADU:   float64(uint64(1)<<depth - 1),
	}, nil
}

// detectBitDepth returns the smallest depth from {10, 12, 14, 16} that
// contains the brightest sample. Cameras routinely deliver 12-bit data in a
// 16-bit transfer; sizing the ADU range from the data keeps stretch LUTs and
// exposure targets in the depth the sensor actually produced.
func detectBitDepth(mat gocv.Mat, declared uint8) uint8 {
	data, err := mat.DataPtrUint16()
	if err != nil {
		return declared
	}

	var maxSample uint16
	for _, v := range data {
		if v > maxSample {
			maxSample = v
		}
	}

	for _, depth := range []uint8{10, 12, 14} {
		if uint32(maxSample) <= uint32(1)<<depth-1 {
			return depth
		}
	}
	return 16
}

package image

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/camera"
)

// bayerCode maps a sensor mosaic to the OpenCV demosaic conversion that
// produces BGR output. OpenCV names its Bayer codes after the 2x2 block
// starting at the second row/column, which is why the mapping looks
// inverted.
func bayerCode(p camera.BayerPattern) (gocv.ColorConversionCode, error) {
	switch p {
	case camera.BayerRGGB:
		return gocv.ColorBayerBGToBGR, nil
	case camera.BayerGRBG:
		return gocv.ColorBayerGBToBGR, nil
	case camera.BayerBGGR:
		return gocv.ColorBayerRGToBGR, nil
	case camera.BayerGBRG:
		return gocv.ColorBayerGRToBGR, nil
	default:
		return 0, fmt.Errorf("pattern %v needs no demosaic", p)
	}
}

// debayer converts a mosaiced single-channel Mat to 3-channel BGR. Mono
// sources are expanded to BGR so every later stage sees one layout.
func debayer(src gocv.Mat, pattern camera.BayerPattern) (gocv.Mat, error) {
	dst := gocv.NewMat()

	switch pattern {
	case camera.BayerMono:
		gocv.CvtColor(src, &dst, gocv.ColorGrayToBGR)
		return dst, nil
	case camera.BayerNone:
		src.CopyTo(&dst)
		return dst, nil
	default:
		code, err := bayerCode(pattern)
		if err != nil {
			dst.Close()
			return gocv.NewMat(), err
		}
		gocv.CvtColor(src, &dst, code)
		return dst, nil
	}
}

package image

import (
	"fmt"

	"gocv.io/x/gocv"
)

// scnrAverageNeutral removes the green cast typical of colour CMOS sky
// images: g = min(g, (r+b)/2), per pixel, in place. Operates on interleaved
// BGR in either container depth.
func scnrAverageNeutral(mat *gocv.Mat, bits uint8) error {
	if mat.Channels() != 3 {
		return nil
	}

	if bits <= 8 {
		data, err := mat.DataPtrUint8()
		if err != nil {
			return fmt.Errorf("scnr: %w", err)
		}
		for i := 0; i+2 < len(data); i += 3 {
			avg := uint8((uint16(data[i]) + uint16(data[i+2])) / 2)
			if data[i+1] > avg {
				data[i+1] = avg
			}
		}
		return nil
	}

	data, err := mat.DataPtrUint16()
	if err != nil {
		return fmt.Errorf("scnr: %w", err)
	}
	for i := 0; i+2 < len(data); i += 3 {
		avg := uint16((uint32(data[i]) + uint32(data[i+2])) / 2)
		if data[i+1] > avg {
			data[i+1] = avg
		}
	}
	return nil
}

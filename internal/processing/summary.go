package processing

import (
	"encoding/binary"
	"math"

	"sensorpipe-go/internal/types"
)

// Summary describes the pixel content of one frame. Valid pixels are those
// below the saturation value of the format; depth zero means "no return" and
// is not valid either.
type Summary struct {
	Pixels    int     `json:"pixels"`
	Valid     int     `json:"valid"`
	Saturated int     `json:"saturated"`
	Mean      float64 `json:"mean"`
}

// Summarize walks the pixels of f once. RGBA frames are summarised on their
// Rec. 601 luma.
func Summarize(f *types.Frame) Summary {
	if f == nil {
		return Summary{}
	}
	switch f.Format {
	case types.Gray8:
		return summarizeGray8(f.Pix)
	case types.RGBA8:
		return summarizeRGBA8(f.Pix)
	case types.Depth16LE:
		return summarizeDepth16(f.Pix)
	default:
		return Summary{}
	}
}

func summarizeGray8(pix []byte) Summary {
	s := Summary{Pixels: len(pix)}
	var sum float64
	for _, v := range pix {
		if v < math.MaxUint8 {
			s.Valid++
			sum += float64(v)
		} else {
			s.Saturated++
		}
	}
	s.Mean = mean(sum, s.Valid)
	return s
}

func summarizeRGBA8(pix []byte) Summary {
	s := Summary{Pixels: len(pix) / 4}
	var sum float64
	for i := 0; i+3 < len(pix); i += 4 {
		r, g, b := pix[i], pix[i+1], pix[i+2]
		if r == math.MaxUint8 && g == math.MaxUint8 && b == math.MaxUint8 {
			s.Saturated++
			continue
		}
		s.Valid++
		sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	}
	s.Mean = mean(sum, s.Valid)
	return s
}

func summarizeDepth16(pix []byte) Summary {
	s := Summary{Pixels: len(pix) / 2}
	var sum float64
	for i := 0; i+1 < len(pix); i += 2 {
		v := binary.LittleEndian.Uint16(pix[i:])
		switch {
		case v == math.MaxUint16:
			s.Saturated++
		case v > 0:
			s.Valid++
			sum += float64(v)
		}
	}
	s.Mean = mean(sum, s.Valid)
	return s
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

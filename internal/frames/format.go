package frames

import (
	"fmt"

	"sensorpipe-go/internal/types"
)

// Format is the fixed geometry of one hardware stream.
type Format struct {
	Width  int
	Height int
	Pixel  types.PixelFormat
}

// Size is the number of payload bytes one frame occupies.
func (f Format) Size() int {
	return f.Width * f.Height * f.Pixel.BytesPerPixel()
}

const (
	fishEyeWidth  = 640
	fishEyeHeight = 480
	colorWidth    = 640
	colorHeight   = 480
	depthWidth    = 320
	depthHeight   = 240
)

// FormatFor returns the layout frames of kind arrive in.
func FormatFor(kind types.StreamKind) (Format, error) {
	switch kind {
	case types.FishEye:
		return Format{Width: fishEyeWidth, Height: fishEyeHeight, Pixel: types.Gray8}, nil
	case types.Color:
		return Format{Width: colorWidth, Height: colorHeight, Pixel: types.RGBA8}, nil
	case types.Depth:
		return Format{Width: depthWidth, Height: depthHeight, Pixel: types.Depth16LE}, nil
	default:
		return Format{}, fmt.Errorf("%w: %d", types.ErrUnrecognizedStream, uint8(kind))
	}
}

package types

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnrecognizedStream is returned whenever a StreamKind outside the closed
// set reaches ingestion or access.
var ErrUnrecognizedStream = errors.New("unrecognized stream kind")

// StreamKind identifies one independently clocked frame source.
// The zero value is not a valid stream.
type StreamKind uint8

const (
	FishEye StreamKind = iota + 1
	Color
	Depth
)

// Streams lists every valid StreamKind in a stable order.
var Streams = [...]StreamKind{FishEye, Color, Depth}

func (k StreamKind) String() string {
	switch k {
	case FishEye:
		return "fisheye"
	case Color:
		return "color"
	case Depth:
		return "depth"
	default:
		return fmt.Sprintf("stream(%d)", uint8(k))
	}
}

// Index maps a valid kind to 0..len(Streams)-1 for array-backed tables.
func (k StreamKind) Index() (int, error) {
	switch k {
	case FishEye:
		return 0, nil
	case Color:
		return 1, nil
	case Depth:
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnrecognizedStream, uint8(k))
	}
}

func (k StreamKind) MarshalText() ([]byte, error) {
	if _, err := k.Index(); err != nil {
		return nil, err
	}
	return []byte(k.String()), nil
}

func (k *StreamKind) UnmarshalText(text []byte) error {
	parsed, err := ParseStreamKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseStreamKind decodes a stream name as used on the wire and in URLs.
func ParseStreamKind(name string) (StreamKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fisheye", "fish_eye", "fish-eye":
		return FishEye, nil
	case "color", "colour":
		return Color, nil
	case "depth":
		return Depth, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnrecognizedStream, name)
	}
}

// PixelFormat is the memory layout of Frame.Pix.
type PixelFormat uint8

const (
	Gray8     PixelFormat = iota + 1 // 1 byte per pixel
	RGBA8                            // 4 bytes per pixel
	Depth16LE                        // 2 bytes per pixel, little endian
)

func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case Gray8:
		return 1
	case RGBA8:
		return 4
	case Depth16LE:
		return 2
	default:
		return 0
	}
}

func (p PixelFormat) String() string {
	switch p {
	case Gray8:
		return "gray8"
	case RGBA8:
		return "rgba8"
	case Depth16LE:
		return "depth16le"
	default:
		return fmt.Sprintf("format(%d)", uint8(p))
	}
}

// FrameInfo is the per-frame metadata delivered by the hardware.
type FrameInfo struct {
	// Timestamp is the local monotonic capture time in platform clock nanoseconds.
	Timestamp int64 `json:"timestamp" cbor:"timestamp"`
	// Sequence is the hardware sequence id.
	Sequence uint64 `json:"sequence" cbor:"sequence"`
	// Exposure in nanoseconds, zero when the stream does not report it.
	Exposure int64 `json:"exposure,omitempty" cbor:"exposure,omitempty"`
	// Aux carries any other hardware fields untouched.
	Aux cbor.RawMessage `json:"-" cbor:"aux,omitempty"`
}

// Frame is a decoded frame. It is immutable once constructed: Pix is shared by
// every reader and must never be written to. Annotated variants are new Frames.
type Frame struct {
	Kind   StreamKind
	Format PixelFormat
	Width  int
	Height int
	Pix    []byte
	Info   FrameInfo
	// Seq is the per-stream ingest sequence assigned by the frame store, starting at 1.
	Seq uint64
}

// Stride returns the number of bytes per row.
func (f *Frame) Stride() int {
	return f.Width * f.Format.BytesPerPixel()
}

// Image exposes the frame as an image.Image. Gray and RGBA images share Pix
// with the frame; depth is converted to big-endian Gray16 in a new buffer.
func (f *Frame) Image() image.Image {
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case Gray8:
		return &image.Gray{Pix: f.Pix, Stride: f.Stride(), Rect: rect}
	case RGBA8:
		return &image.RGBA{Pix: f.Pix, Stride: f.Stride(), Rect: rect}
	case Depth16LE:
		img := image.NewGray16(rect)
		for i := 0; i+1 < len(f.Pix) && i+1 < len(img.Pix); i += 2 {
			img.Pix[i] = f.Pix[i+1]
			img.Pix[i+1] = f.Pix[i]
		}
		return img
	default:
		return image.NewGray(rect)
	}
}

// Point is a sub-pixel image coordinate.
type Point struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

// Correspondence is the output of one tracking cycle: Prev[i] in the previous
// frame moved to Curr[i] in the current frame.
type Correspondence struct {
	Prev []Point `json:"prev" cbor:"prev"`
	Curr []Point `json:"curr" cbor:"curr"`
}

// Consistent reports whether both sequences have the same length. Zero length
// is consistent.
func (c Correspondence) Consistent() bool {
	return len(c.Prev) == len(c.Curr)
}

// Drawable reports whether there is at least one matched pair to show.
func (c Correspondence) Drawable() bool {
	return c.Consistent() && len(c.Curr) > 0
}

// Len is the number of matched pairs, or 0 when inconsistent.
func (c Correspondence) Len() int {
	if !c.Consistent() {
		return 0
	}
	return len(c.Curr)
}

// TimeEntry pairs a local capture timestamp with the middleware clock reading
// obtained for it.
type TimeEntry struct {
	Local    int64 `json:"local" cbor:"local"`
	External int64 `json:"external" cbor:"external"`
}

// RawMessage is one decoded message from a frame source. Frame messages
// carry Stream, Pixels and Info; other types only carry Meta.
type RawMessage struct {
	Type   string
	Stream StreamKind
	Pixels []byte
	Info   FrameInfo
	Meta   map[string]any
}

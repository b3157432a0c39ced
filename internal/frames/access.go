package frames

import (
	"errors"
	"fmt"

	"sensorpipe-go/internal/types"
)

// Newest returns the most recent frame of kind. With annotated set and kind
// FishEye the result is a new frame with the current correspondence drawn on
// it. A stream without frames yields a 1x1 placeholder, never nil.
func (s *Store) Newest(kind types.StreamKind, annotated bool) (*types.Frame, error) {
	frame, err := s.Latest(kind)
	if errors.Is(err, ErrBufferEmpty) {
		return Placeholder(kind), nil
	}
	if err != nil {
		return nil, err
	}
	switch kind {
	case types.FishEye:
		if annotated {
			return Annotate(frame, s.Correspondence()), nil
		}
		return frame, nil
	case types.Color, types.Depth:
		return frame, nil
	default:
		return nil, fmt.Errorf("%w: %d", types.ErrUnrecognizedStream, uint8(kind))
	}
}

// Latest returns the newest frame of kind, or ErrBufferEmpty when the stream
// has not delivered one yet.
func (s *Store) Latest(kind types.StreamKind) (*types.Frame, error) {
	if _, err := kind.Index(); err != nil {
		return nil, err
	}
	frame, ok := s.Peek(kind, 0)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBufferEmpty, kind)
	}
	return frame, nil
}

// Placeholder is the blank 1x1 frame returned for streams without data.
func Placeholder(kind types.StreamKind) *types.Frame {
	pixel := types.RGBA8
	if format, err := FormatFor(kind); err == nil {
		pixel = format.Pixel
	}
	return &types.Frame{
		Kind:   kind,
		Format: pixel,
		Width:  1,
		Height: 1,
		Pix:    make([]byte, pixel.BytesPerPixel()),
	}
}

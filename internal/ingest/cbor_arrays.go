package ingest

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8746 tags used by frame sources.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
)

var errUnsupportedPixels = errors.New("unsupported pixel encoding")

// decodePixels returns the raw little-endian pixel bytes of a payload given
// as a plain byte string, a typed array (tag 64 or 69), or a two-dimensional
// typed array (tag 40).
func decodePixels(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case cbor.Tag:
		if v.Number == tagMultiDimArray {
			return decodeMultiDimArray(v)
		}
		data, _, err := decodeTypedArray(v)
		return data, err
	case nil:
		return nil, errors.New("missing pixels")
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupportedPixels, value)
	}
}

func decodeMultiDimArray(tag cbor.Tag) ([]byte, error) {
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return nil, fmt.Errorf("invalid multidim dimensions")
	}

	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return nil, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return nil, err
	}
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("invalid multidim dimensions %dx%d", rows, cols)
	}

	inner, ok := items[1].(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}
	data, elemSize, err := decodeTypedArray(inner)
	if err != nil {
		return nil, err
	}
	if rows*cols*elemSize != len(data) {
		return nil, fmt.Errorf("dimension mismatch: %dx%d of %d bytes, got %d bytes", rows, cols, elemSize, len(data))
	}
	return data, nil
}

// decodeTypedArray returns the array bytes and the element size.
func decodeTypedArray(tag cbor.Tag) ([]byte, int, error) {
	data, ok := tag.Content.([]byte)
	if !ok {
		return nil, 0, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}

	switch tag.Number {
	case tagUint8:
		return data, 1, nil
	case tagUint16LE:
		if len(data)%2 != 0 {
			return nil, 0, errors.New("odd byte count for uint16 array")
		}
		return data, 2, nil
	default:
		return nil, 0, fmt.Errorf("%w: tag %d", errUnsupportedPixels, tag.Number)
	}
}

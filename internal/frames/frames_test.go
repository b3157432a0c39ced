package frames

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorpipe-go/internal/types"
)

func payload(t *testing.T, kind types.StreamKind, fill byte) []byte {
	t.Helper()
	format, err := FormatFor(kind)
	require.NoError(t, err)
	return bytes.Repeat([]byte{fill}, format.Size())
}

func newStore(t *testing.T, capacity int) *Store {
	t.Helper()
	s, err := NewStore(capacity)
	require.NoError(t, err)
	return s
}

func TestIngestFishEyeWindow(t *testing.T) {
	s := newStore(t, 3)
	for ts := int64(1); ts <= 5; ts++ {
		_, err := s.Ingest(types.FishEye, payload(t, types.FishEye, byte(ts)), types.FrameInfo{Timestamp: ts})
		require.NoError(t, err)
	}

	f, ok := s.Peek(types.FishEye, 0)
	require.True(t, ok)
	assert.Equal(t, int64(5), f.Info.Timestamp)

	f, ok = s.Peek(types.FishEye, 2)
	require.True(t, ok)
	assert.Equal(t, int64(3), f.Info.Timestamp)

	_, ok = s.Peek(types.FishEye, 3)
	assert.False(t, ok)

	assert.Equal(t, int64(5), s.Pending(types.FishEye))
	assert.Equal(t, int64(5), s.TakePending(types.FishEye))
	assert.Equal(t, int64(0), s.Pending(types.FishEye))
}

func TestIngestDecodesStreamLayouts(t *testing.T) {
	tests := []struct {
		kind   types.StreamKind
		width  int
		height int
		pixel  types.PixelFormat
	}{
		{types.FishEye, 640, 480, types.Gray8},
		{types.Color, 640, 480, types.RGBA8},
		{types.Depth, 320, 240, types.Depth16LE},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			s := newStore(t, 2)
			raw := payload(t, tt.kind, 7)
			raw = append(raw, 0xFF, 0xFF) // row padding is ignored
			f, err := s.Ingest(tt.kind, raw, types.FrameInfo{Timestamp: 42, Sequence: 9})
			require.NoError(t, err)
			assert.Equal(t, tt.width, f.Width)
			assert.Equal(t, tt.height, f.Height)
			assert.Equal(t, tt.pixel, f.Format)
			assert.Len(t, f.Pix, tt.width*tt.height*tt.pixel.BytesPerPixel())
			assert.Equal(t, uint64(1), f.Seq)

			raw[0] = 99
			assert.Equal(t, byte(7), f.Pix[0], "ingest must copy the hardware buffer")
		})
	}
}

func TestIngestRejectsWithoutTouchingOtherStreams(t *testing.T) {
	s := newStore(t, 2)
	_, err := s.Ingest(types.Color, payload(t, types.Color, 1), types.FrameInfo{Timestamp: 1})
	require.NoError(t, err)

	_, err = s.Ingest(types.StreamKind(0), []byte{1, 2, 3}, types.FrameInfo{})
	require.ErrorIs(t, err, types.ErrUnrecognizedStream)

	_, err = s.Ingest(types.StreamKind(17), payload(t, types.Color, 2), types.FrameInfo{})
	require.ErrorIs(t, err, types.ErrUnrecognizedStream)

	_, err = s.Ingest(types.Depth, []byte{1, 2}, types.FrameInfo{})
	require.ErrorIs(t, err, ErrShortBuffer)

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Rejected)
	assert.Equal(t, uint64(1), stats.Streams[types.Color].Ingested)
	assert.Equal(t, uint64(0), stats.Streams[types.Depth].Ingested)
	assert.Equal(t, int64(0), s.Pending(types.Depth))

	f, ok := s.Peek(types.Color, 0)
	require.True(t, ok)
	assert.Equal(t, int64(1), f.Info.Timestamp)
}

func TestNewestPlaceholderBeforeFirstFrame(t *testing.T) {
	s := newStore(t, 2)
	for _, kind := range types.Streams {
		for _, annotated := range []bool{false, true} {
			f, err := s.Newest(kind, annotated)
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Equal(t, 1, f.Width)
			assert.Equal(t, 1, f.Height)
			assert.Len(t, f.Pix, f.Format.BytesPerPixel())
			assert.NotNil(t, f.Image())
		}
	}

	_, err := s.Latest(types.Depth)
	assert.ErrorIs(t, err, ErrBufferEmpty)
}

func TestNewestUnknownStream(t *testing.T) {
	s := newStore(t, 2)
	_, err := s.Newest(types.StreamKind(9), false)
	assert.ErrorIs(t, err, types.ErrUnrecognizedStream)
}

func TestAnnotateNothingToDrawIsIdentical(t *testing.T) {
	s := newStore(t, 2)
	raw := payload(t, types.FishEye, 0)
	for i := range raw {
		raw[i] = byte(i % 251)
	}
	_, err := s.Ingest(types.FishEye, raw, types.FrameInfo{Timestamp: 1})
	require.NoError(t, err)

	plain, err := s.Newest(types.FishEye, false)
	require.NoError(t, err)

	cases := map[string]types.Correspondence{
		"empty":      {},
		"prev-only":  {Prev: []types.Point{{X: 1, Y: 1}}},
		"curr-only":  {Curr: []types.Point{{X: 1, Y: 1}}},
		"mismatched": {Prev: []types.Point{{X: 1, Y: 1}, {X: 2, Y: 2}}, Curr: []types.Point{{X: 3, Y: 3}}},
	}
	for name, corr := range cases {
		t.Run(name, func(t *testing.T) {
			got := Annotate(plain, corr)
			assert.Equal(t, plain.Format, got.Format)
			assert.True(t, bytes.Equal(plain.Pix, got.Pix))
		})
	}

	// The store never accepts a mismatched value, so the annotated read stays plain.
	assert.False(t, s.SetCorrespondence(cases["mismatched"]))
	annotated, err := s.Newest(types.FishEye, true)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain.Pix, annotated.Pix))
}

func TestAnnotateDrawsOnCopy(t *testing.T) {
	s := newStore(t, 2)
	raw := payload(t, types.FishEye, 128)
	_, err := s.Ingest(types.FishEye, raw, types.FrameInfo{Timestamp: 1})
	require.NoError(t, err)

	corr := types.Correspondence{
		Prev: []types.Point{{X: 100, Y: 100}, {X: 300, Y: 200}},
		Curr: []types.Point{{X: 120, Y: 110}, {X: 310, Y: 230}},
	}
	require.True(t, s.SetCorrespondence(corr))

	original, ok := s.Peek(types.FishEye, 0)
	require.True(t, ok)
	before := bytes.Clone(original.Pix)

	annotated, err := s.Newest(types.FishEye, true)
	require.NoError(t, err)
	assert.Equal(t, types.RGBA8, annotated.Format)
	assert.Len(t, annotated.Pix, 640*480*4)
	assert.Equal(t, original.Info, annotated.Info)
	assert.True(t, bytes.Equal(before, original.Pix), "buffered frame must not change")

	colored := 0
	for i := 0; i+3 < len(annotated.Pix); i += 4 {
		r, g, b := annotated.Pix[i], annotated.Pix[i+1], annotated.Pix[i+2]
		if r != g || g != b {
			colored++
		}
	}
	assert.Greater(t, colored, 0, "overlay should leave colored pixels")

	// Background far from any point is the gray value.
	far := (470*640 + 5) * 4
	assert.Equal(t, []byte{128, 128, 128, 255}, annotated.Pix[far:far+4])
}

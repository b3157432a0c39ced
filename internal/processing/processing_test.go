package processing

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorpipe-go/internal/types"
)

func TestSummarizeFormats(t *testing.T) {
	tests := []struct {
		name  string
		frame *types.Frame
		want  Summary
	}{
		{
			name:  "gray",
			frame: &types.Frame{Format: types.Gray8, Pix: []byte{10, 20, 255, 30}},
			want:  Summary{Pixels: 4, Valid: 3, Saturated: 1, Mean: 20},
		},
		{
			name:  "rgba",
			frame: &types.Frame{Format: types.RGBA8, Pix: []byte{100, 100, 100, 255, 255, 255, 255, 255}},
			want:  Summary{Pixels: 2, Valid: 1, Saturated: 1, Mean: 100},
		},
		{
			name:  "depth",
			frame: &types.Frame{Format: types.Depth16LE, Pix: depth(0, 1000, 3000, 0xffff)},
			want:  Summary{Pixels: 4, Valid: 2, Saturated: 1, Mean: 2000},
		},
		{
			name: "nil",
			want: Summary{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.frame)
			assert.Equal(t, tt.want.Pixels, got.Pixels)
			assert.Equal(t, tt.want.Valid, got.Valid)
			assert.Equal(t, tt.want.Saturated, got.Saturated)
			assert.InDelta(t, tt.want.Mean, got.Mean, 1e-9)
		})
	}
}

func depth(values ...uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func TestAggregatorRate(t *testing.T) {
	a := NewAggregator()
	frame := func(seq uint64, ts int64) *types.Frame {
		return &types.Frame{Kind: types.Depth, Format: types.Depth16LE, Pix: depth(500), Seq: seq, Info: types.FrameInfo{Timestamp: ts}}
	}

	require.True(t, a.AddFrame(frame(1, 0)))
	// Two frames in 100ms, the middle one was not sampled.
	require.True(t, a.AddFrame(frame(3, 100_000_000)))
	assert.False(t, a.AddFrame(frame(3, 100_000_000)), "same frame twice")
	assert.False(t, a.AddFrame(nil))

	snap := a.Snapshot()
	require.Contains(t, snap, "depth")
	st := snap["depth"]
	assert.Equal(t, uint64(3), st.Frames)
	assert.Equal(t, uint64(2), st.Observed)
	assert.InDelta(t, 20.0, st.Rate, 1e-9)
	assert.Equal(t, 1, st.Last.Valid)

	a.Reset()
	assert.Empty(t, a.Snapshot())
}

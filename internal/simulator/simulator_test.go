package simulator

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorpipe-go/internal/frames"
	"sensorpipe-go/internal/types"
)

func TestStreamEmitsEveryStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := Stream(ctx, 200)

	seen := map[types.StreamKind]types.RawMessage{}
	deadline := time.After(5 * time.Second)
	for len(seen) < len(types.Streams) {
		select {
		case msg := <-out:
			seen[msg.Stream] = msg
		case <-deadline:
			t.Fatalf("only saw %d streams", len(seen))
		}
	}

	for kind, msg := range seen {
		format, err := frames.FormatFor(kind)
		require.NoError(t, err)
		assert.Equal(t, "frame", msg.Type)
		assert.Len(t, msg.Pixels, format.Size(), kind.String())
		assert.NotZero(t, msg.Info.Timestamp)
		assert.NotZero(t, msg.Info.Sequence)
	}

	cancel()
	for range out {
	}
}

func TestFishEyeMovesBetweenFrames(t *testing.T) {
	g := newGenerator(rand.New(rand.NewSource(7)))
	x1, y1 := origin(1)
	x2, y2 := origin(orbitPeriod / 4)
	assert.NotEqual(t, [2]int{x1, y1}, [2]int{x2, y2})

	a := g.fishEye(1)
	b := g.fishEye(orbitPeriod / 4)
	assert.NotEqual(t, a, b)
}

func TestFramesAreAcceptedByTheStore(t *testing.T) {
	store, err := frames.NewStore(2)
	require.NoError(t, err)
	g := newGenerator(rand.New(rand.NewSource(3)))
	for _, msg := range g.frames(1, 42) {
		_, err := store.Ingest(msg.Stream, msg.Pixels, msg.Info)
		require.NoError(t, err)
	}
	for _, kind := range types.Streams {
		f, ok := store.Peek(kind, 0)
		require.True(t, ok)
		assert.Equal(t, int64(42), f.Info.Timestamp)
	}
}

package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorpipe-go/internal/frames"
	"sensorpipe-go/internal/processing"
	"sensorpipe-go/internal/publish"
	"sensorpipe-go/internal/tracking"
	"sensorpipe-go/internal/types"
)

func testConfig() Config {
	return Config{
		BufferCapacity:      4,
		CorrelationCapacity: 8,
		CorrelatedStream:    types.Depth,
		TrackerInterval:     time.Millisecond,
		PublishInterval:     2 * time.Millisecond,
	}
}

func payload(t *testing.T, kind types.StreamKind) []byte {
	t.Helper()
	format, err := frames.FormatFor(kind)
	require.NoError(t, err)
	return make([]byte, format.Size())
}

type recorder struct {
	mu      sync.Mutex
	bundles []publish.Bundle
}

func (r *recorder) Name() string              { return "recorder" }
func (r *recorder) NodeStarted(*publish.Node) {}
func (r *recorder) Start() error              { return nil }

func (r *recorder) Publish(b publish.Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles = append(r.bundles, b)
	return nil
}

func (r *recorder) entries() []types.TimeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.TimeEntry
	for _, b := range r.bundles {
		out = append(out, b.Entries...)
	}
	return out
}

func (r *recorder) sawStream(kind types.StreamKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bundles {
		for _, f := range b.Frames {
			if f.Kind == kind {
				return true
			}
		}
	}
	return false
}

func start(t *testing.T, s *Service) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
}

func TestOnNewFrameBeforeStart(t *testing.T) {
	s := New(testConfig())
	err := s.OnNewFrame(types.FishEye, payload(t, types.FishEye), types.FrameInfo{Timestamp: 1})
	assert.ErrorIs(t, err, ErrStopped)
	_, err = s.Newest(types.FishEye, false)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, false, s.Status()["running"])
}

func TestNewestPlaceholderBeforeDepthArrives(t *testing.T) {
	s := New(testConfig())
	start(t, s)

	f, err := s.Newest(types.Depth, false)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 1, f.Width)
	assert.Equal(t, 1, f.Height)
	assert.NotNil(t, f.Image())
}

func TestTrackerRunsOnFishEyeFrames(t *testing.T) {
	var calls atomic.Int64
	tr := tracking.TrackerFunc(func(prev, curr *types.Frame) (types.Correspondence, error) {
		calls.Add(1)
		return types.Correspondence{Prev: []types.Point{{X: 5, Y: 5}}, Curr: []types.Point{{X: 6, Y: 5}}}, nil
	})
	s := New(testConfig(), WithTracker(tr))
	start(t, s)

	require.NoError(t, s.OnNewFrame(types.FishEye, payload(t, types.FishEye), types.FrameInfo{Timestamp: 1}))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		f, err := s.Newest(types.FishEye, true)
		return err == nil && f.Format == types.RGBA8
	}, 2*time.Second, time.Millisecond)

	plain, err := s.Newest(types.FishEye, false)
	require.NoError(t, err)
	assert.Equal(t, types.Gray8, plain.Format)
}

func TestDepthTimestampsAreCorrelatedAndPublished(t *testing.T) {
	rec := &recorder{}
	messages := make(chan any, 64)
	local := time.Unix(1000, 0)
	s := New(testConfig(),
		WithPublishers(rec),
		WithMessages(messages),
		WithClock(func() time.Time { return local }),
	)
	start(t, s)

	for ts := int64(1); ts <= 3; ts++ {
		require.NoError(t, s.OnNewFrame(types.Depth, payload(t, types.Depth), types.FrameInfo{Timestamp: ts}))
	}
	require.NoError(t, s.OnNewFrame(types.Color, payload(t, types.Color), types.FrameInfo{Timestamp: 50}))

	require.Eventually(t, func() bool { return len(rec.entries()) == 3 }, 2*time.Second, time.Millisecond)
	got := rec.entries()
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Local, "FIFO order")
		assert.Equal(t, local.UnixNano(), e.External)
	}
	assert.True(t, rec.sawStream(types.Depth))
	assert.True(t, rec.sawStream(types.Color))
	streams, ok := s.Status()["streams"].(map[string]processing.StreamStats)
	require.True(t, ok)
	assert.Contains(t, streams, "depth")
	assert.Contains(t, streams, "color")

	// The frame publisher goes live with the first frame and reaches the
	// websocket channel.
	require.Eventually(t, func() bool {
		for {
			select {
			case msg := <-messages:
				if _, ok := msg.(types.FrameMessage); ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, time.Millisecond)
}

func TestRejectedFrameLeavesStreamsUntouched(t *testing.T) {
	s := New(testConfig())
	start(t, s)

	err := s.OnNewFrame(types.StreamKind(42), []byte{1}, types.FrameInfo{})
	assert.ErrorIs(t, err, types.ErrUnrecognizedStream)
	err = s.OnNewFrame(types.Color, []byte{1, 2}, types.FrameInfo{})
	assert.ErrorIs(t, err, frames.ErrShortBuffer)

	_, ok := s.Peek(types.Color, 0)
	assert.False(t, ok)
}

func TestStartStopLifecycle(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, s.OnNewFrame(types.Color, payload(t, types.Color), types.FrameInfo{Timestamp: 7}))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "second stop is a no-op")
	assert.False(t, s.Running())
	assert.ErrorIs(t, s.OnNewFrame(types.Color, payload(t, types.Color), types.FrameInfo{}), ErrStopped)

	// A new run starts from empty buffers.
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	_, ok := s.Peek(types.Color, 0)
	assert.False(t, ok)
}

func TestCancelledStartContextEndsRun(t *testing.T) {
	s := New(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.True(t, s.Running())

	cancel()
	require.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, s.OnNewFrame(types.Color, payload(t, types.Color), types.FrameInfo{}), ErrStopped)
	assert.Equal(t, false, s.Status()["running"])
	require.NoError(t, s.Stop(), "stop after the run ended is a no-op")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.True(t, s.Running())
}

func TestInvalidConfigFailsStart(t *testing.T) {
	cfg := testConfig()
	cfg.BufferCapacity = 0
	err := New(cfg).Start(context.Background())
	require.Error(t, err)

	cfg = testConfig()
	cfg.CorrelatedStream = 0
	err = New(cfg).Start(context.Background())
	assert.True(t, errors.Is(err, types.ErrUnrecognizedStream))
}

package publish

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorpipe-go/internal/timesync"
	"sensorpipe-go/internal/types"
)

type fakePublisher struct {
	name     string
	startErr error
	panicPub bool

	mu      sync.Mutex
	nodes   []*Node
	starts  int
	bundles []Bundle
}

func (f *fakePublisher) Name() string { return f.name }

func (f *fakePublisher) NodeStarted(node *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = append(f.nodes, node)
}

func (f *fakePublisher) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakePublisher) Publish(b Bundle) error {
	if f.panicPub {
		panic("publisher bug")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles = append(f.bundles, b)
	return nil
}

func (f *fakePublisher) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bundles)
}

func bundle(tick uint64) Bundle {
	return Bundle{
		Tick:    tick,
		Entries: []types.TimeEntry{{Local: int64(tick), External: int64(tick) * 10}},
	}
}

func TestFailingStartIsIsolated(t *testing.T) {
	errA := errors.New("sdk not started")
	a := &fakePublisher{name: "a", startErr: errA}
	b := &fakePublisher{name: "b"}

	d := NewDispatch(nil, nil)
	d.Add(a)
	d.Add(b)

	node := NewNode(make(chan any, 4), timesync.NewClock())
	err := d.OnMiddlewareReady(node)
	require.Error(t, err)
	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "a", startErr.Publisher)
	assert.ErrorIs(t, err, errA)

	require.Len(t, a.nodes, 1)
	require.Len(t, b.nodes, 1)
	assert.Same(t, node, a.nodes[0])
	assert.Same(t, node, b.nodes[0])

	for tick := uint64(1); tick <= 3; tick++ {
		assert.NotPanics(t, func() { d.Forward(bundle(tick)) })
	}
	assert.Equal(t, 3, b.received())
	assert.Equal(t, 0, a.received())

	status := d.Status()
	require.Len(t, status, 2)
	assert.False(t, status[0].Started)
	assert.Equal(t, "sdk not started", status[0].LastError)
	assert.True(t, status[1].Started)
	assert.Equal(t, uint64(3), status[1].Published)
}

func TestRetryPendingStartsLater(t *testing.T) {
	a := &fakePublisher{name: "a", startErr: errors.New("not yet")}
	d := NewDispatch(nil, nil)
	d.Add(a)

	_, err := d.RetryPending()
	require.ErrorIs(t, err, ErrNodeNotReady)

	require.Error(t, d.OnMiddlewareReady(NewNode(nil, nil)))
	n, err := d.RetryPending()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	a.mu.Lock()
	a.startErr = nil
	a.mu.Unlock()
	n, err = d.RetryPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, a.starts)
	assert.Len(t, a.nodes, 1, "node is handed over once")

	d.Forward(bundle(1))
	assert.Equal(t, 1, a.received())

	n, err = d.RetryPending()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "started publishers are not restarted")
}

func TestForwardIsolatesPanics(t *testing.T) {
	bad := &fakePublisher{name: "bad", panicPub: true}
	good := &fakePublisher{name: "good"}
	d := NewDispatch(nil, nil)
	d.Add(bad)
	d.Add(good)
	require.NoError(t, d.OnMiddlewareReady(NewNode(nil, nil)))

	assert.Equal(t, 1, d.Forward(bundle(1)))
	assert.Equal(t, 1, good.received())
	assert.Equal(t, uint64(1), d.Status()[0].Errors)
}

func TestAddAfterReadyStartsImmediately(t *testing.T) {
	d := NewDispatch(nil, nil)
	require.NoError(t, d.OnMiddlewareReady(NewNode(nil, nil)))
	late := &fakePublisher{name: "late"}
	d.Add(late)
	assert.Len(t, late.nodes, 1)
	assert.Equal(t, 1, late.starts)
	assert.True(t, d.Status()[0].Started)
}

type gatedPublisher struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	events []string
}

func (g *gatedPublisher) Name() string { return "gated" }

func (g *gatedPublisher) NodeStarted(*Node) {
	close(g.entered)
	<-g.release
	g.record("node")
}

func (g *gatedPublisher) Start() error {
	g.record("start")
	return nil
}

func (g *gatedPublisher) Publish(Bundle) error { return nil }

func (g *gatedPublisher) record(event string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, event)
}

func (g *gatedPublisher) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.events...)
}

func TestRetryDuringLateAddWaitsForHandOver(t *testing.T) {
	d := NewDispatch(nil, nil)
	require.NoError(t, d.OnMiddlewareReady(NewNode(nil, nil)))

	g := &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	added := make(chan struct{})
	go func() {
		d.Add(g)
		close(added)
	}()
	<-g.entered

	started, err := d.RetryPending()
	require.NoError(t, err)
	assert.Equal(t, 0, started, "publisher still receiving its node")
	assert.Empty(t, g.seen())

	close(g.release)
	<-added
	started, err = d.RetryPending()
	require.NoError(t, err)
	assert.Equal(t, 0, started)
	assert.Equal(t, []string{"node", "start"}, g.seen())
	assert.Equal(t, uint64(1), d.Status()[0].Attempts)
}

func TestFramePublisherWaitsForLiveSource(t *testing.T) {
	live := false
	messages := make(chan any, 1)
	p := NewFramePublisher(func() bool { return live })

	assert.ErrorIs(t, p.Start(), ErrNodeNotReady)
	p.NodeStarted(NewNode(messages, nil))
	assert.ErrorIs(t, p.Start(), ErrSourceNotLive)
	live = true
	require.NoError(t, p.Start())

	frame := &types.Frame{Kind: types.Depth, Format: types.Depth16LE, Width: 320, Height: 240, Seq: 4, Info: types.FrameInfo{Timestamp: 99}}
	require.NoError(t, p.Publish(Bundle{Frames: []*types.Frame{frame}}))
	msg := (<-messages).(types.FrameMessage)
	assert.Equal(t, "frames", msg.Type)
	require.Len(t, msg.Frames, 1)
	assert.Equal(t, types.Depth, msg.Frames[0].Stream)
	assert.Equal(t, int64(99), msg.Frames[0].Timestamp)

	// Full channel drops instead of blocking.
	require.NoError(t, p.Publish(Bundle{Frames: []*types.Frame{frame}}))
	require.NoError(t, p.Publish(Bundle{Frames: []*types.Frame{frame}}))
	assert.Equal(t, uint64(1), p.Dropped())
}

func TestEstimateMotion(t *testing.T) {
	assert.Equal(t, Motion{}, EstimateMotion(types.Correspondence{}))

	corr := types.Correspondence{
		Prev: []types.Point{{X: 0, Y: 0}, {X: 10, Y: 10}},
		Curr: []types.Point{{X: 3, Y: 4}, {X: 13, Y: 14}},
	}
	m := EstimateMotion(corr)
	assert.Equal(t, 3.0, m.DX)
	assert.Equal(t, 4.0, m.DY)
	assert.Equal(t, 0.0, m.Spread)
	assert.Equal(t, 2, m.Points)
}

func TestMotionPublisherNeedsClock(t *testing.T) {
	clock := timesync.NewClockAt(func() time.Time { return time.Unix(10, 0) })
	messages := make(chan any, 4)
	p := NewMotionPublisher()
	p.NodeStarted(NewNode(messages, clock))
	assert.ErrorIs(t, p.Start(), ErrClockNotReady)

	clock.Update(timesync.Sample{Offset: time.Second})
	require.NoError(t, p.Start())

	b := Bundle{
		Correspondence: types.Correspondence{Prev: []types.Point{{X: 1, Y: 1}}, Curr: []types.Point{{X: 2, Y: 1}}},
		Entries:        []types.TimeEntry{{Local: 1, External: 100}, {Local: 2, External: 200}},
	}
	require.NoError(t, p.Publish(b))
	require.Len(t, messages, 2)
	first := (<-messages).(types.MotionMessage)
	assert.Equal(t, int64(100), first.External)
	assert.Equal(t, 1.0, first.DX)
}

func TestZMQBundleEncoding(t *testing.T) {
	p := NewZMQPublisher("inproc://unused")
	node := NewNode(nil, nil)
	p.NodeStarted(node)

	b := Bundle{
		Tick:    7,
		Time:    time.Unix(0, 1234),
		Frames:  []*types.Frame{{Kind: types.FishEye, Width: 640, Height: 480, Seq: 2}},
		Entries: []types.TimeEntry{{Local: 1, External: 2}},
	}
	payload, err := cbor.Marshal(p.encode(b))
	require.NoError(t, err)

	var decoded ZMQBundle
	require.NoError(t, cbor.Unmarshal(payload, &decoded))
	assert.Equal(t, node.ID.String(), decoded.Node)
	assert.Equal(t, uint64(7), decoded.Tick)
	assert.Equal(t, int64(1234), decoded.Time)
	require.Len(t, decoded.Frames, 1)
	assert.Equal(t, "fisheye", decoded.Frames[0].Stream)
	assert.Equal(t, b.Entries, decoded.Entries)

	assert.Error(t, p.Publish(b), "not started")
	assert.NoError(t, p.Close())
}

package publish

import (
	"errors"
	"sync/atomic"

	"sensorpipe-go/internal/types"
)

// ErrSourceNotLive is returned by FramePublisher.Start until the frame source
// has delivered its first frame.
var ErrSourceNotLive = errors.New("frame source not live")

// FramePublisher forwards frame notices and correlated time entries to the
// node's outbound message channel.
type FramePublisher struct {
	live    func() bool
	node    *Node
	dropped atomic.Uint64
}

// NewFramePublisher creates a publisher that may start once live reports true.
func NewFramePublisher(live func() bool) *FramePublisher {
	return &FramePublisher{live: live}
}

func (p *FramePublisher) Name() string { return "frames" }

func (p *FramePublisher) NodeStarted(node *Node) { p.node = node }

func (p *FramePublisher) Start() error {
	if p.node == nil || p.node.Messages == nil {
		return ErrNodeNotReady
	}
	if p.live != nil && !p.live() {
		return ErrSourceNotLive
	}
	return nil
}

func (p *FramePublisher) Publish(b Bundle) error {
	if b.Empty() {
		return nil
	}
	msg := types.FrameMessage{
		Type:    "frames",
		Frames:  make([]types.FrameNotice, 0, len(b.Frames)),
		Entries: b.Entries,
		Points:  b.Correspondence.Len(),
	}
	for _, f := range b.Frames {
		msg.Frames = append(msg.Frames, types.NoticeFor(f))
	}
	if !p.node.Send(msg) {
		p.dropped.Add(1)
	}
	return nil
}

// Dropped counts messages discarded because the outbound channel was full.
func (p *FramePublisher) Dropped() uint64 {
	return p.dropped.Load()
}

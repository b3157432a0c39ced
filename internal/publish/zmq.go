package publish

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"sensorpipe-go/internal/types"
)

// ZMQBundle is the CBOR document sent on every publish tick.
type ZMQBundle struct {
	Type           string               `cbor:"type"`
	Node           string               `cbor:"node"`
	Tick           uint64               `cbor:"tick"`
	Time           int64                `cbor:"time"`
	Frames         []ZMQFrame           `cbor:"frames"`
	Correspondence types.Correspondence `cbor:"correspondence"`
	Entries        []types.TimeEntry    `cbor:"entries"`
}

// ZMQFrame is frame metadata without pixels.
type ZMQFrame struct {
	Stream    string `cbor:"stream"`
	Seq       uint64 `cbor:"seq"`
	Width     int    `cbor:"width"`
	Height    int    `cbor:"height"`
	Timestamp int64  `cbor:"timestamp"`
	Sequence  uint64 `cbor:"sequence"`
}

// ZMQPublisher sends bundles on a ZeroMQ PUB socket.
type ZMQPublisher struct {
	endpoint string

	mu     sync.Mutex
	node   *Node
	socket *zmq4.Socket
}

// NewZMQPublisher creates a publisher that binds endpoint on Start.
func NewZMQPublisher(endpoint string) *ZMQPublisher {
	return &ZMQPublisher{endpoint: endpoint}
}

func (p *ZMQPublisher) Name() string { return "zmq" }

func (p *ZMQPublisher) NodeStarted(node *Node) {
	p.mu.Lock()
	p.node = node
	p.mu.Unlock()
}

// Start binds the PUB socket. It fails while the endpoint is unusable.
func (p *ZMQPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket != nil {
		return nil
	}
	if p.endpoint == "" {
		return errors.New("zmq publish endpoint not configured")
	}
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return err
	}
	if err := socket.SetSndhwm(64); err != nil {
		_ = socket.Close()
		return err
	}
	if err := socket.Bind(p.endpoint); err != nil {
		_ = socket.Close()
		return fmt.Errorf("bind %s: %w", p.endpoint, err)
	}
	p.socket = socket
	return nil
}

func (p *ZMQPublisher) Publish(b Bundle) error {
	if b.Empty() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return errors.New("zmq publisher not started")
	}
	payload, err := cbor.Marshal(p.encode(b))
	if err != nil {
		return err
	}
	if _, err := p.socket.SendBytes(payload, zmq4.DONTWAIT); err != nil {
		// EAGAIN means no room at the high-water mark; the bundle is dropped.
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			return nil
		}
		return err
	}
	return nil
}

func (p *ZMQPublisher) encode(b Bundle) ZMQBundle {
	out := ZMQBundle{
		Type:           "bundle",
		Tick:           b.Tick,
		Time:           b.Time.UnixNano(),
		Frames:         make([]ZMQFrame, 0, len(b.Frames)),
		Correspondence: b.Correspondence,
		Entries:        b.Entries,
	}
	if p.node != nil {
		out.Node = p.node.ID.String()
	}
	for _, f := range b.Frames {
		out.Frames = append(out.Frames, ZMQFrame{
			Stream:    f.Kind.String(),
			Seq:       f.Seq,
			Width:     f.Width,
			Height:    f.Height,
			Timestamp: f.Info.Timestamp,
			Sequence:  f.Info.Sequence,
		})
	}
	return out
}

// Close releases the socket.
func (p *ZMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return nil
	}
	err := p.socket.Close()
	p.socket = nil
	return err
}

// Package publish fans pipeline output out to middleware publishers.
//
// Publishers are started together once the middleware node is ready. A
// publisher whose Start fails stays pending and is retried; it never receives
// data until it starts, and it never prevents the others from starting or
// receiving data.
package publish

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sensorpipe-go/internal/metrics"
	"sensorpipe-go/internal/timesync"
	"sensorpipe-go/internal/types"
)

// ErrNodeNotReady is returned by RetryPending before OnMiddlewareReady.
var ErrNodeNotReady = errors.New("middleware node not ready")

// Publisher is one outbound channel.
type Publisher interface {
	Name() string
	// NodeStarted hands over the middleware node. It is called exactly once,
	// before the first Start attempt.
	NodeStarted(node *Node)
	// Start may fail while a dependency is not live yet; it is retried.
	Start() error
	// Publish is only called after a successful Start.
	Publish(b Bundle) error
}

// Node is the middleware handle given to publishers when it becomes ready.
type Node struct {
	ID       uuid.UUID
	Messages chan<- any
	Clock    *timesync.Clock
}

// NewNode creates a node with a fresh id.
func NewNode(messages chan<- any, clock *timesync.Clock) *Node {
	return &Node{ID: uuid.New(), Messages: messages, Clock: clock}
}

// Send delivers msg to the outbound channel without blocking. It reports
// false when the channel is full or missing.
func (n *Node) Send(msg any) bool {
	if n == nil || n.Messages == nil {
		return false
	}
	select {
	case n.Messages <- msg:
		return true
	default:
		return false
	}
}

// Bundle is everything new since the previous publish tick.
type Bundle struct {
	Tick           uint64
	Time           time.Time
	Frames         []*types.Frame
	Correspondence types.Correspondence
	Entries        []types.TimeEntry
}

// Empty reports whether the bundle carries neither frames nor time entries.
func (b Bundle) Empty() bool {
	return len(b.Frames) == 0 && len(b.Entries) == 0
}

// StartError records a failed Start call.
type StartError struct {
	Publisher string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("publisher %s failed to start: %v", e.Publisher, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Status is a per-publisher snapshot.
type Status struct {
	Name      string `json:"name"`
	Started   bool   `json:"started"`
	Attempts  uint64 `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

type entry struct {
	pub       Publisher
	started   bool
	busy      bool // a notify or Start call is in flight
	attempts  uint64
	lastErr   error
	published uint64
	errors    uint64
}

// Dispatch owns the publisher set. It is safe for concurrent use.
type Dispatch struct {
	mu      sync.Mutex
	entries []*entry
	node    *Node
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatch creates an empty dispatch.
func NewDispatch(logger *slog.Logger, m *metrics.Metrics) *Dispatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatch{logger: logger, metrics: m}
}

// Add registers p. Publishers are started and fed in insertion order. A
// publisher added after the node is ready is handed the node and started
// right away.
func (d *Dispatch) Add(p Publisher) {
	d.mu.Lock()
	e := &entry{pub: p}
	node := d.node
	e.busy = node != nil
	d.entries = append(d.entries, e)
	d.mu.Unlock()

	if node != nil {
		d.notify(e, node)
		d.start(e)
	}
}

// OnMiddlewareReady gives node to every publisher and then starts each one.
// The returned error joins every StartError; publishers that failed remain
// pending for RetryPending.
func (d *Dispatch) OnMiddlewareReady(node *Node) error {
	d.mu.Lock()
	d.node = node
	var entries []*entry
	for _, e := range d.entries {
		if !e.busy {
			e.busy = true
			entries = append(entries, e)
		}
	}
	d.mu.Unlock()

	d.logger.Info("middleware node ready", "node", node.ID.String(), "publishers", len(entries))
	for _, e := range entries {
		d.notify(e, node)
	}
	var errs []error
	for _, e := range entries {
		if err := d.start(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RetryPending calls Start again on every publisher that has not started.
// It returns the number of publishers that started on this attempt.
func (d *Dispatch) RetryPending() (int, error) {
	d.mu.Lock()
	if d.node == nil {
		d.mu.Unlock()
		return 0, ErrNodeNotReady
	}
	var pending []*entry
	for _, e := range d.entries {
		if !e.started && !e.busy {
			e.busy = true
			pending = append(pending, e)
		}
	}
	d.mu.Unlock()

	started := 0
	for _, e := range pending {
		if d.start(e) == nil {
			started++
		}
	}
	return started, nil
}

// Forward delivers b to every started publisher. Errors and panics are
// logged and counted per publisher and never reach the caller.
func (d *Dispatch) Forward(b Bundle) int {
	d.mu.Lock()
	var live []*entry
	for _, e := range d.entries {
		if e.started {
			live = append(live, e)
		}
	}
	d.mu.Unlock()

	delivered := 0
	for _, e := range live {
		name := e.pub.Name()
		err := guard(func() error { return e.pub.Publish(b) })
		d.mu.Lock()
		if err != nil {
			e.errors++
		} else {
			e.published++
		}
		d.mu.Unlock()
		if err != nil {
			d.metrics.PublishFailed(name)
			d.logger.Warn("publish failed", "publisher", name, "tick", b.Tick, "err", err)
			continue
		}
		d.metrics.Published(name)
		delivered++
	}
	return delivered
}

// Status returns a snapshot per publisher, in insertion order.
func (d *Dispatch) Status() []Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Status, 0, len(d.entries))
	for _, e := range d.entries {
		s := Status{
			Name:      e.pub.Name(),
			Started:   e.started,
			Attempts:  e.attempts,
			Published: e.published,
			Errors:    e.errors,
		}
		if e.lastErr != nil {
			s.LastError = e.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

// Close closes every publisher implementing io.Closer.
func (d *Dispatch) Close() error {
	d.mu.Lock()
	entries := append([]*entry(nil), d.entries...)
	d.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if c, ok := e.pub.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", e.pub.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatch) notify(e *entry, node *Node) {
	if err := guard(func() error { e.pub.NodeStarted(node); return nil }); err != nil {
		d.logger.Warn("publisher node hand-over failed", "publisher", e.pub.Name(), "err", err)
	}
}

func (d *Dispatch) start(e *entry) error {
	name := e.pub.Name()
	err := guard(e.pub.Start)

	d.mu.Lock()
	e.attempts++
	e.busy = false
	if err == nil {
		e.started = true
		e.lastErr = nil
	} else {
		e.lastErr = err
	}
	attempts := e.attempts
	d.mu.Unlock()

	if err != nil {
		d.metrics.StartFailed(name)
		// First failure is worth a warning; retries only at debug.
		if attempts == 1 {
			d.logger.Warn("publisher start failed", "publisher", name, "err", err)
		} else {
			d.logger.Debug("publisher start retry failed", "publisher", name, "attempt", attempts, "err", err)
		}
		return &StartError{Publisher: name, Err: err}
	}
	d.logger.Info("publisher started", "publisher", name, "attempt", attempts)
	return nil
}

// guard runs fn and converts a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

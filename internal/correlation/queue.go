// Package correlation pairs local capture timestamps with middleware clock
// timestamps that become known later.
//
// Matching is strictly FIFO on both sides: the n-th external timestamp is
// paired with the oldest local timestamp still pending. Callers must supply
// external timestamps in the order the locals were recorded; resolving out of
// order is undefined and is not corrected here. Both queues are bounded and
// drop their oldest entry on overflow, so memory stays bounded while the
// middleware clock is unavailable.
package correlation

import (
	"errors"
	"sync"

	"sensorpipe-go/internal/types"
)

// ErrInvalidCapacity is returned by New for capacities below 1.
var ErrInvalidCapacity = errors.New("correlation capacity must be at least 1")

// DefaultCapacity bounds each queue when no capacity is configured.
const DefaultCapacity = 64

// Stats counts queue activity since creation.
type Stats struct {
	Recorded       uint64 `json:"recorded"`
	Resolved       uint64 `json:"resolved"`
	Drained        uint64 `json:"drained"`
	DroppedPending uint64 `json:"dropped_pending"`
	DroppedMatched uint64 `json:"dropped_matched"`
	Unmatched      uint64 `json:"unmatched"`
	Pending        int    `json:"pending"`
	Matched        int    `json:"matched"`
}

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending fifo[int64]
	matched fifo[types.TimeEntry]
	stats   Stats
}

// New creates a queue whose pending and matched sides each hold at most capacity entries.
func New(capacity int) (*Queue, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Queue{
		pending: newFIFO[int64](capacity),
		matched: newFIFO[types.TimeEntry](capacity),
	}, nil
}

// RecordLocal appends a local timestamp awaiting its external counterpart.
func (q *Queue) RecordLocal(ts int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.push(ts) {
		q.stats.DroppedPending++
	}
	q.stats.Recorded++
}

// ResolveExternal pairs ts with the oldest pending local timestamp and moves
// the pair to the matched side. It returns false, discarding ts, when nothing
// is pending.
func (q *Queue) ResolveExternal(ts int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	local, ok := q.pending.pop()
	if !ok {
		q.stats.Unmatched++
		return false
	}
	if q.matched.push(types.TimeEntry{Local: local, External: ts}) {
		q.stats.DroppedMatched++
	}
	q.stats.Resolved++
	return true
}

// DrainMatched removes and returns every matched pair, oldest first.
func (q *Queue) DrainMatched() []types.TimeEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.matched.drain()
	q.stats.Drained += uint64(len(out))
	return out
}

// PendingLen is the number of local timestamps awaiting resolution.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.len()
}

// MatchedLen is the number of pairs awaiting drain.
func (q *Queue) MatchedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.matched.len()
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.stats
	out.Pending = q.pending.len()
	out.Matched = q.matched.len()
	return out
}

// fifo is a bounded circular queue that evicts its oldest item when full.
type fifo[T any] struct {
	items []T
	head  int
	size  int
}

func newFIFO[T any](capacity int) fifo[T] {
	return fifo[T]{items: make([]T, capacity)}
}

// push appends v and reports whether the oldest item was evicted to make room.
func (f *fifo[T]) push(v T) bool {
	evicted := false
	if f.size == len(f.items) {
		f.head = (f.head + 1) % len(f.items)
		f.size--
		evicted = true
	}
	f.items[(f.head+f.size)%len(f.items)] = v
	f.size++
	return evicted
}

func (f *fifo[T]) pop() (T, bool) {
	var zero T
	if f.size == 0 {
		return zero, false
	}
	v := f.items[f.head]
	f.items[f.head] = zero
	f.head = (f.head + 1) % len(f.items)
	f.size--
	return v, true
}

func (f *fifo[T]) drain() []T {
	out := make([]T, 0, f.size)
	for {
		v, ok := f.pop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func (f *fifo[T]) len() int {
	return f.size
}

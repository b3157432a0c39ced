// Package ring implements a fixed-capacity observation window over the most
// recent N values of a stream.
//
// A Buffer has exactly one writer and any number of readers. The writer
// publishes each value as a whole by swapping a slot pointer, then advances
// the insertion counter; readers never take a lock and never observe a value
// that is half written. Peek has snapshot-at-call-time semantics: it returns
// the value that was at the requested offset when the call observed the
// counter, or reports it absent when the writer has already overwritten it.
package ring

import (
	"errors"
	"sync/atomic"
)

// ErrInvalidCapacity is returned by New for capacities below 1.
var ErrInvalidCapacity = errors.New("ring capacity must be at least 1")

// peekRetries bounds how often Peek re-reads the counter when the writer laps it.
const peekRetries = 4

type cell[T any] struct {
	seq   uint64
	value T
}

// Buffer is a fixed-capacity circular buffer. The zero value is not usable.
type Buffer[T any] struct {
	slots     []atomic.Pointer[cell[T]]
	total     atomic.Uint64
	overwrite bool
}

// New returns a Buffer holding at most capacity values. With overwrite set a
// full buffer evicts its oldest value on Enqueue; without it Enqueue rejects
// new values once capacity values have been stored.
func New[T any](capacity int, overwrite bool) (*Buffer[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer[T]{
		slots:     make([]atomic.Pointer[cell[T]], capacity),
		overwrite: overwrite,
	}, nil
}

// Enqueue stores item as the newest value. It never blocks and never
// allocates beyond one cell. It returns false only for a full buffer created
// without overwrite. Enqueue must not be called concurrently with itself.
func (b *Buffer[T]) Enqueue(item T) bool {
	n := b.total.Load()
	capacity := uint64(len(b.slots))
	if !b.overwrite && n >= capacity {
		return false
	}
	b.slots[n%capacity].Store(&cell[T]{seq: n, value: item})
	b.total.Store(n + 1)
	return true
}

// Peek returns the value offset positions back from the newest (0 is the
// newest). It reports false when fewer than offset+1 values were ever
// inserted or offset is outside the window. Peek never changes the buffer.
func (b *Buffer[T]) Peek(offset int) (T, bool) {
	var zero T
	capacity := uint64(len(b.slots))
	if offset < 0 || uint64(offset) >= capacity {
		return zero, false
	}
	for attempt := 0; attempt < peekRetries; attempt++ {
		n := b.total.Load()
		if uint64(offset) >= n {
			return zero, false
		}
		want := n - 1 - uint64(offset)
		c := b.slots[want%capacity].Load()
		if c != nil && c.seq == want {
			return c.value, true
		}
	}
	return zero, false
}

// Len is the number of values currently held.
func (b *Buffer[T]) Len() int {
	n := b.total.Load()
	if n > uint64(len(b.slots)) {
		return len(b.slots)
	}
	return int(n)
}

// Cap is the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.slots)
}

// Total is the number of values ever inserted.
func (b *Buffer[T]) Total() uint64 {
	return b.total.Load()
}

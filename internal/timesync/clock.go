// Package timesync estimates the middleware clock from a master time endpoint
// and stamps pending local capture timestamps with it.
package timesync

import (
	"sync/atomic"
	"time"
)

// Clock is the local clock corrected by the last measured offset to the
// middleware clock. It is not Ready until the first successful update.
type Clock struct {
	now    func() time.Time
	offset atomic.Int64
	rtt    atomic.Int64
	ready  atomic.Bool
	synced atomic.Int64
}

// NewClock returns an unsynchronised clock on top of time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt is NewClock with a custom local time source.
func NewClockAt(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Update stores a new offset sample and marks the clock ready.
func (c *Clock) Update(s Sample) {
	c.offset.Store(int64(s.Offset))
	c.rtt.Store(int64(s.RoundTrip))
	c.synced.Store(c.now().UnixNano())
	c.ready.Store(true)
}

// Ready reports whether at least one offset has been measured.
func (c *Clock) Ready() bool {
	return c.ready.Load()
}

// Offset is middleware time minus local time.
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Now is the current middleware time. Before the first update it equals the
// local time.
func (c *Clock) Now() time.Time {
	return c.now().Add(c.Offset())
}

// LocalNow is the uncorrected local time.
func (c *Clock) LocalNow() time.Time {
	return c.now()
}

// ClockStatus is a snapshot for status endpoints.
type ClockStatus struct {
	Ready      bool  `json:"ready"`
	OffsetNs   int64 `json:"offset_ns"`
	RTTNs      int64 `json:"rtt_ns"`
	SyncedAtNs int64 `json:"synced_at_ns"`
}

func (c *Clock) Status() ClockStatus {
	return ClockStatus{
		Ready:      c.ready.Load(),
		OffsetNs:   c.offset.Load(),
		RTTNs:      c.rtt.Load(),
		SyncedAtNs: c.synced.Load(),
	}
}

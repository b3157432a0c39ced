package timesync

import (
	"log/slog"

	"sensorpipe-go/internal/correlation"
)

// Stamper resolves pending local timestamps with the middleware clock.
type Stamper struct {
	clock  *Clock
	queue  *correlation.Queue
	logger *slog.Logger
}

func NewStamper(clock *Clock, queue *correlation.Queue, logger *slog.Logger) *Stamper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stamper{clock: clock, queue: queue, logger: logger}
}

// Resolve pairs every local timestamp pending right now with the current
// middleware time, oldest first. Nothing happens while the clock is not
// ready; entries stay pending (bounded by the queue) until it is.
func (s *Stamper) Resolve() int {
	if !s.clock.Ready() {
		return 0
	}
	n := s.queue.PendingLen()
	if n == 0 {
		return 0
	}
	external := s.clock.Now().UnixNano()
	resolved := 0
	for i := 0; i < n; i++ {
		if !s.queue.ResolveExternal(external) {
			break
		}
		resolved++
	}
	s.logger.Debug("stamped local timestamps", "count", resolved, "external", external)
	return resolved
}

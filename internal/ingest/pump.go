package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"

	"sensorpipe-go/internal/types"
)

// FrameSink accepts decoded hardware frames.
type FrameSink interface {
	OnNewFrame(kind types.StreamKind, raw []byte, info types.FrameInfo) error
}

// PumpStats counts what Pump has seen.
type PumpStats struct {
	Messages atomic.Uint64
	Frames   atomic.Uint64
	Meta     atomic.Uint64
	Rejected atomic.Uint64
}

// Snapshot returns the counters in /status form.
func (p *PumpStats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"messages_total": p.Messages.Load(),
		"frames_total":   p.Frames.Load(),
		"meta_total":     p.Meta.Load(),
		"rejected_total": p.Rejected.Load(),
	}
}

// Pump feeds frame messages into sink until msgs closes or ctx is done.
// Non-frame messages go to onMeta when it is set. Rejected frames are
// logged every logEvery occurrences and never stop the pump.
func Pump(ctx context.Context, msgs <-chan types.RawMessage, sink FrameSink, onMeta func(types.RawMessage), stats *PumpStats, logEvery int) {
	if stats == nil {
		stats = &PumpStats{}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			stats.Messages.Add(1)
			if msg.Type != "frame" {
				stats.Meta.Add(1)
				if onMeta != nil {
					onMeta(msg)
				} else {
					slog.Debug("ignoring message", "type", msg.Type)
				}
				continue
			}
			if err := sink.OnNewFrame(msg.Stream, msg.Pixels, msg.Info); err != nil {
				stats.Rejected.Add(1)
				logEveryN(logEvery, "frame rejected", "stream", msg.Stream.String(), "err", err)
				continue
			}
			stats.Frames.Add(1)
		}
	}
}

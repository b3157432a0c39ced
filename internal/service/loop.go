package service

import (
	"context"
	"time"

	"sensorpipe-go/internal/publish"
	"sensorpipe-go/internal/types"
)

const defaultPublishInterval = 33 * time.Millisecond

// publishLoop announces the middleware node, then on every tick stamps
// pending local timestamps, retries publishers that failed to start and
// forwards what is new since the previous tick.
func (s *Service) publishLoop(ctx context.Context, r *run) error {
	interval := s.cfg.PublishInterval
	if interval <= 0 {
		interval = defaultPublishInterval
	}
	if err := r.dispatch.OnMiddlewareReady(r.node); err != nil {
		s.logger.Info("some publishers are pending", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.publishTick(r, now)
		}
	}
}

func (s *Service) publishTick(r *run, now time.Time) {
	r.stamper.Resolve()
	if _, err := r.dispatch.RetryPending(); err != nil {
		s.logger.Debug("publisher retry skipped", "err", err)
	}

	r.tick++
	b := publish.Bundle{
		Tick:           r.tick,
		Time:           now,
		Correspondence: r.store.Correspondence(),
		Entries:        r.queue.DrainMatched(),
	}
	for i, kind := range types.Streams {
		f, ok := r.store.Peek(kind, 0)
		if !ok || f.Seq == r.lastSeq[i] {
			continue
		}
		r.lastSeq[i] = f.Seq
		r.stats.AddFrame(f)
		b.Frames = append(b.Frames, f)
	}
	s.metrics.Correlation(r.queue.PendingLen(), len(b.Entries))
	if b.Empty() {
		return
	}
	r.dispatch.Forward(b)
}

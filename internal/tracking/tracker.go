// Package tracking runs keypoint tracking on the newest FishEye frame in the
// background, decoupled from frame ingestion and from readers.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"sensorpipe-go/internal/metrics"
	"sensorpipe-go/internal/types"
)

var (
	// ErrTrackingDegenerate is reported when a tracking cycle produces no
	// usable correspondence. The previous correspondence stays in place.
	ErrTrackingDegenerate = errors.New("tracking degenerate")
	// ErrAlreadyRunning is returned by Run when the loop was started before.
	ErrAlreadyRunning = errors.New("tracking loop already started")
)

// DefaultPollInterval is how often the loop checks for a new FishEye frame.
const DefaultPollInterval = 5 * time.Millisecond

// Tracker matches keypoints between two frames. prev is nil on the first
// cycle; implementations return an empty correspondence for it.
type Tracker interface {
	Track(prev, curr *types.Frame) (types.Correspondence, error)
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc func(prev, curr *types.Frame) (types.Correspondence, error)

func (f TrackerFunc) Track(prev, curr *types.Frame) (types.Correspondence, error) {
	return f(prev, curr)
}

// Source is the frame state the loop reads from and publishes to.
type Source interface {
	TakePending(kind types.StreamKind) int64
	Peek(kind types.StreamKind, offset int) (*types.Frame, bool)
	SetCorrespondence(c types.Correspondence) bool
}

// State of the loop.
type State int32

const (
	Idle     State = iota // no frame consumed yet
	Tracking              // at least one frame consumed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats is a snapshot of the loop counters.
type Stats struct {
	State     string        `json:"state"`
	Cycles    uint64        `json:"cycles"`
	Failures  uint64        `json:"failures"`
	Skipped   uint64        `json:"skipped"`
	Points    int64         `json:"points"`
	LastCycle time.Duration `json:"last_cycle_ns"`
}

// Background owns the retained previous frame and drives a Tracker.
// Step is not safe for concurrent calls; Run calls it from one goroutine.
type Background struct {
	source   Source
	tracker  Tracker
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	retained *types.Frame
	started  atomic.Bool

	state     atomic.Int32
	cycles    atomic.Uint64
	failures  atomic.Uint64
	skipped   atomic.Uint64
	points    atomic.Int64
	lastCycle atomic.Int64
}

// Option configures a Background.
type Option func(*Background)

// WithPollInterval sets the poll interval; values <= 0 keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(b *Background) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Background) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records cycles and failures on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Background) { b.metrics = m }
}

// NewBackground creates an idle loop over source using tracker.
func NewBackground(source Source, tracker Tracker, opts ...Option) *Background {
	b := &Background{
		source:   source,
		tracker:  tracker,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Step performs one iteration. When no FishEye frame arrived since the last
// step it does nothing and returns false. Otherwise it tracks the newest frame
// against the retained one, retains the newest, and returns true. A failed or
// inconsistent result keeps the previously published correspondence.
func (b *Background) Step() bool {
	n := b.source.TakePending(types.FishEye)
	if n <= 0 {
		return false
	}
	frame, ok := b.source.Peek(types.FishEye, 0)
	if !ok {
		return false
	}
	if n > 1 {
		b.skipped.Add(uint64(n - 1))
	}

	start := time.Now()
	corr, err := b.track(b.retained, frame)
	elapsed := time.Since(start)

	b.retained = frame
	b.state.Store(int32(Tracking))
	b.cycles.Add(1)
	b.lastCycle.Store(int64(elapsed))

	if err == nil && !corr.Consistent() {
		err = fmt.Errorf("%w: %d previous vs %d current points", ErrTrackingDegenerate, len(corr.Prev), len(corr.Curr))
	}
	if err != nil {
		b.failures.Add(1)
		b.metrics.TrackingFailed()
		b.logger.Debug("tracking cycle failed", "seq", frame.Seq, "err", err)
		return true
	}

	b.source.SetCorrespondence(corr)
	b.points.Store(int64(corr.Len()))
	b.metrics.TrackingCycle(elapsed, corr.Len())
	return true
}

func (b *Background) track(prev, curr *types.Frame) (corr types.Correspondence, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: tracker panic: %v", ErrTrackingDegenerate, r)
		}
	}()
	return b.tracker.Track(prev, curr)
}

// Run calls Step on every poll tick until ctx is done. It returns nil on
// cancellation and never resumes afterwards; a Background runs at most once.
func (b *Background) Run(ctx context.Context) error {
	if b.started.Swap(true) {
		return ErrAlreadyRunning
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("tracking loop started", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("tracking loop stopped", "cycles", b.cycles.Load(), "failures", b.failures.Load())
			return nil
		case <-ticker.C:
			b.Step()
		}
	}
}

// State reports Idle until the first frame has been consumed.
func (b *Background) State() State {
	return State(b.state.Load())
}

// Stats returns the loop counters.
func (b *Background) Stats() Stats {
	return Stats{
		State:     b.State().String(),
		Cycles:    b.cycles.Load(),
		Failures:  b.failures.Load(),
		Skipped:   b.skipped.Load(),
		Points:    b.points.Load(),
		LastCycle: time.Duration(b.lastCycle.Load()),
	}
}

// Package service owns the pipeline state of one run: the frame store, the
// correlation queue, the background tracker, the middleware clock and the
// publishers. Everything is built on Start and abandoned on Stop.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"sensorpipe-go/internal/config"
	"sensorpipe-go/internal/correlation"
	"sensorpipe-go/internal/frames"
	"sensorpipe-go/internal/metrics"
	"sensorpipe-go/internal/output"
	"sensorpipe-go/internal/processing"
	"sensorpipe-go/internal/publish"
	"sensorpipe-go/internal/timesync"
	"sensorpipe-go/internal/tracking"
	"sensorpipe-go/internal/types"
)

var (
	// ErrStopped is returned by OnNewFrame and Newest when no run is active.
	ErrStopped = errors.New("service stopped")
	// ErrAlreadyRunning is returned by Start on a running service.
	ErrAlreadyRunning = errors.New("service already running")
)

// Config is the part of the application configuration the service needs.
type Config struct {
	BufferCapacity      int
	CorrelationCapacity int
	CorrelatedStream    types.StreamKind
	TrackerInterval     time.Duration
	PublishInterval     time.Duration
	ClockURL            string
	ClockInterval       time.Duration
	PublishEndpoint     string
	CorrelationLogDir   string
	Patch               tracking.PatchConfig
}

// ConfigFrom maps the application configuration onto Config.
func ConfigFrom(c *config.AppConfig) Config {
	return Config{
		BufferCapacity:      c.BufferCapacity,
		CorrelationCapacity: c.CorrelationCapacity,
		CorrelatedStream:    c.CorrelatedStream,
		TrackerInterval:     c.TrackerInterval,
		PublishInterval:     c.PublishInterval,
		ClockURL:            c.ClockURL,
		ClockInterval:       c.ClockInterval,
		PublishEndpoint:     c.PublishEndpoint,
		CorrelationLogDir:   c.OutputDir,
		Patch: tracking.PatchConfig{
			MaxCorners:   c.MaxCorners,
			PatchRadius:  c.PatchRadius,
			SearchRadius: c.SearchRadius,
		},
	}
}

// Service is safe for concurrent use. OnNewFrame for one stream must not be
// called concurrently with itself.
type Service struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracker  tracking.Tracker
	messages chan<- any
	extra    []publish.Publisher
	clockNow func() time.Time

	mu  sync.Mutex
	cur atomic.Pointer[run]
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracker replaces the default PatchTracker.
func WithTracker(t tracking.Tracker) Option {
	return func(s *Service) { s.tracker = t }
}

// WithMessages sets the outbound channel handed to publishers, usually the
// websocket broadcast channel.
func WithMessages(ch chan<- any) Option {
	return func(s *Service) { s.messages = ch }
}

// WithPublishers adds publishers to every run, after the built-in ones.
func WithPublishers(p ...publish.Publisher) Option {
	return func(s *Service) { s.extra = append(s.extra, p...) }
}

// WithClock sets the local time source of the middleware clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.clockNow = now }
}

// New creates a stopped service.
func New(cfg Config, opts ...Option) *Service {
	s := &Service{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracker == nil {
		s.tracker = tracking.NewPatchTracker(cfg.Patch)
	}
	return s
}

type run struct {
	store    *frames.Store
	queue    *correlation.Queue
	tracker  *tracking.Background
	clock    *timesync.Clock
	stamper  *timesync.Stamper
	dispatch *publish.Dispatch
	node     *publish.Node
	stats    *processing.Aggregator
	live     atomic.Bool
	started  time.Time

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{} // closed once every goroutine of the run returned
	err    error         // group result, valid after done

	// publish loop only
	tick    uint64
	lastSeq [len(types.Streams)]uint64
}

// Start builds fresh pipeline state and launches the tracker, the clock
// poller and the publish loop. The run ends when ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Load() != nil {
		return ErrAlreadyRunning
	}

	r, err := s.build()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	r.cancel, r.group = cancel, group

	group.Go(func() error { return r.tracker.Run(gctx) })
	if s.cfg.ClockURL != "" {
		group.Go(func() error {
			timesync.Poll(gctx, s.cfg.ClockURL, s.cfg.ClockInterval, r.clock, func(sample timesync.Sample, err error) {
				if err != nil {
					s.logger.Warn("middleware clock query failed", "url", s.cfg.ClockURL, "err", err)
					return
				}
				s.metrics.SetClockOffset(sample.Offset)
				s.logger.Debug("middleware clock updated", "offset", sample.Offset, "rtt", sample.RoundTrip)
			})
			return nil
		})
	} else {
		// Without a master clock the middleware runs on local time.
		r.clock.Update(timesync.Sample{})
	}
	group.Go(func() error { return s.publishLoop(gctx, r) })
	r.done = make(chan struct{})

	s.cur.Store(r)
	go s.watch(r)
	s.logger.Info("pipeline started",
		"buffer_capacity", s.cfg.BufferCapacity,
		"correlated_stream", s.cfg.CorrelatedStream.String(),
		"publishers", len(r.dispatch.Status()),
	)
	return nil
}

func (s *Service) build() (*run, error) {
	store, err := frames.NewStore(s.cfg.BufferCapacity)
	if err != nil {
		return nil, fmt.Errorf("frame store: %w", err)
	}
	queue, err := correlation.New(s.cfg.CorrelationCapacity)
	if err != nil {
		return nil, fmt.Errorf("correlation queue: %w", err)
	}
	if _, err := s.cfg.CorrelatedStream.Index(); err != nil {
		return nil, fmt.Errorf("correlated stream: %w", err)
	}

	clock := timesync.NewClockAt(s.clockNow)
	r := &run{
		store:   store,
		queue:   queue,
		clock:   clock,
		stamper: timesync.NewStamper(clock, queue, s.logger),
		tracker: tracking.NewBackground(store, s.tracker,
			tracking.WithPollInterval(s.cfg.TrackerInterval),
			tracking.WithLogger(s.logger.With("component", "tracking")),
			tracking.WithMetrics(s.metrics),
		),
		dispatch: publish.NewDispatch(s.logger.With("component", "publish"), s.metrics),
		node:     publish.NewNode(s.messages, clock),
		stats:    processing.NewAggregator(),
		started:  time.Now(),
	}

	r.dispatch.Add(publish.NewFramePublisher(r.live.Load))
	r.dispatch.Add(publish.NewMotionPublisher())
	if s.cfg.PublishEndpoint != "" {
		r.dispatch.Add(publish.NewZMQPublisher(s.cfg.PublishEndpoint))
	}
	if s.cfg.CorrelationLogDir != "" {
		r.dispatch.Add(output.NewCorrelationLog(s.cfg.CorrelationLogDir))
	}
	for _, p := range s.extra {
		r.dispatch.Add(p)
	}
	return r, nil
}

// Stop cancels the run and waits for its goroutines. Buffered frames and
// pending correlation entries are abandoned. Stop on a stopped service is a
// no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.cur.Swap(nil)
	if r == nil {
		return nil
	}
	r.cancel()
	<-r.done
	return s.teardown(r)
}

// watch ends the run when its goroutines return on their own, typically
// because the context given to Start was cancelled.
func (s *Service) watch(r *run) {
	r.err = r.group.Wait()
	close(r.done)
	if s.cur.CompareAndSwap(r, nil) {
		r.cancel()
		_ = s.teardown(r)
	}
}

func (s *Service) teardown(r *run) error {
	if cerr := r.dispatch.Close(); cerr != nil {
		s.logger.Warn("closing publishers failed", "err", cerr)
	}
	err := r.err
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Info("pipeline stopped", "uptime", time.Since(r.started).Round(time.Millisecond))
	return err
}

// Running reports whether a run is active.
func (s *Service) Running() bool {
	return s.cur.Load() != nil
}

// OnNewFrame ingests one hardware frame. It never blocks: the frame is
// copied into the stream's ring and the call returns. Frames of the
// correlated stream also queue their local timestamp for pairing with the
// middleware clock.
func (s *Service) OnNewFrame(kind types.StreamKind, raw []byte, info types.FrameInfo) error {
	r := s.cur.Load()
	if r == nil {
		return ErrStopped
	}
	if _, err := r.store.Ingest(kind, raw, info); err != nil {
		s.metrics.FrameRejected(rejectReason(err))
		return err
	}
	s.metrics.FrameIngested(kind.String())
	if kind == s.cfg.CorrelatedStream {
		r.queue.RecordLocal(info.Timestamp)
	}
	r.live.Store(true)
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, types.ErrUnrecognizedStream):
		return "unrecognized_stream"
	case errors.Is(err, frames.ErrShortBuffer):
		return "short_buffer"
	default:
		return "other"
	}
}

// Newest returns the newest frame of kind, annotated with the current
// tracking result when requested. Streams without frames yield a placeholder.
func (s *Service) Newest(kind types.StreamKind, annotated bool) (*types.Frame, error) {
	r := s.cur.Load()
	if r == nil {
		return nil, ErrStopped
	}
	return r.store.Newest(kind, annotated)
}

// Peek exposes the ring window of kind.
func (s *Service) Peek(kind types.StreamKind, offset int) (*types.Frame, bool) {
	r := s.cur.Load()
	if r == nil {
		return nil, false
	}
	return r.store.Peek(kind, offset)
}

// Status is a snapshot of the active run.
func (s *Service) Status() map[string]any {
	r := s.cur.Load()
	if r == nil {
		return map[string]any{"running": false}
	}
	return map[string]any{
		"running":     true,
		"live":        r.live.Load(),
		"uptime":      time.Since(r.started).Round(time.Second).String(),
		"node":        r.node.ID.String(),
		"frames":      r.store.Stats(),
		"streams":     r.stats.Snapshot(),
		"tracking":    r.tracker.Stats(),
		"correlation": r.queue.Stats(),
		"clock":       r.clock.Status(),
		"publishers":  r.dispatch.Status(),
	}
}

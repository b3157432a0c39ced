package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"sensorpipe-go/internal/config"
	"sensorpipe-go/internal/ingest"
	"sensorpipe-go/internal/metrics"
	"sensorpipe-go/internal/output"
	"sensorpipe-go/internal/server"
	"sensorpipe-go/internal/service"
	"sensorpipe-go/internal/simulator"
	"sensorpipe-go/internal/types"
)

func main() {
	cfg := config.Default()
	configPath := flag.String("config", "", "JSON configuration file; flags override its values")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP port for preview, status and websocket")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "ZMQ endpoint of the frame source")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Run with simulated frames")
	flag.Float64Var(&cfg.DebugFPS, "debug-fps", cfg.DebugFPS, "Simulated frame rate per stream")
	flag.IntVar(&cfg.IngestLogEvery, "ingest-log-every", cfg.IngestLogEvery, "Log every Nth ingest error")
	flag.BoolVar(&cfg.IngestFallback, "ingest-fallback", cfg.IngestFallback, "Fall back to the simulator when ingest fails")
	flag.BoolVar(&cfg.RawLogEnabled, "raw-log", cfg.RawLogEnabled, "Write raw CBOR messages to disk")
	flag.StringVar(&cfg.RawLogDir, "raw-log-dir", cfg.RawLogDir, "Directory for raw ingest logs")
	flag.IntVar(&cfg.BufferCapacity, "buffer-capacity", cfg.BufferCapacity, "Frames kept per stream")
	flag.IntVar(&cfg.CorrelationCapacity, "correlation-capacity", cfg.CorrelationCapacity, "Timestamps kept for correlation")
	flag.TextVar(&cfg.CorrelatedStream, "correlated-stream", cfg.CorrelatedStream, "Stream whose timestamps are paired with middleware time")
	flag.DurationVar(&cfg.TrackerInterval, "tracker-interval", cfg.TrackerInterval, "Tracker poll interval")
	flag.IntVar(&cfg.MaxCorners, "max-corners", cfg.MaxCorners, "Features tracked per frame")
	flag.IntVar(&cfg.PatchRadius, "patch-radius", cfg.PatchRadius, "Tracker patch radius in pixels")
	flag.IntVar(&cfg.SearchRadius, "search-radius", cfg.SearchRadius, "Tracker search radius in pixels")
	flag.StringVar(&cfg.ClockURL, "clock-url", cfg.ClockURL, "Base URL of the middleware master clock (empty: local time)")
	flag.DurationVar(&cfg.ClockInterval, "clock-interval", cfg.ClockInterval, "Middleware clock poll interval")
	flag.DurationVar(&cfg.PublishInterval, "publish-interval", cfg.PublishInterval, "Publish loop interval")
	flag.StringVar(&cfg.PublishEndpoint, "publish-endpoint", cfg.PublishEndpoint, "ZMQ PUB bind address for bundles (empty: disabled)")
	flag.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for correlation logs and metadata (empty: disabled)")
	flag.Parse()

	if err := loadConfig(cfg, *configPath); err != nil {
		slog.Error("config load failed", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg.Validate()

	logger := NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	m.WatchDecodeFailures(ingest.DecodeFailures)

	uiMessages := make(chan any, 64)
	svc := service.New(service.ConfigFrom(cfg),
		service.WithLogger(logger),
		service.WithMetrics(m),
		service.WithMessages(uiMessages),
	)
	if err := svc.Start(ctx); err != nil {
		logger.Error("pipeline start failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			logger.Warn("pipeline stop", "err", err)
		}
	}()

	rawMessages, source, closeSource := openSource(ctx, cfg, logger)
	defer closeSource()

	var pumpStats ingest.PumpStats
	go ingest.Pump(ctx, rawMessages, svc, metadataWriter(cfg.OutputDir, logger), &pumpStats, cfg.IngestLogEvery)
	go logIngestStats(ctx, logger, &pumpStats)

	statusFn := func() map[string]any {
		status := svc.Status()
		status["source"] = source
		ingestStats := pumpStats.Snapshot()
		decodeCount, decodeNanos := ingest.DecodeTiming()
		status["ingest"] = map[string]any{
			"pump":                  ingestStats,
			"decode_failures_total": ingest.DecodeFailures(),
			"decode_total":          decodeCount,
			"decode_nanos_total":    decodeNanos,
		}
		return status
	}

	logger.Info("starting web UI", "url", "http://localhost:"+strconv.Itoa(cfg.Port), "source", source)
	err := server.Run(ctx, cfg.Port, uiMessages, server.Deps{
		Frames:  svc,
		Status:  statusFn,
		Config:  cfg.Public,
		Metrics: m,
		Logger:  logger.With("component", "server"),
	})
	if err != nil {
		logger.Error("server stopped", "err", err)
	}
}

// NewLogger builds the JSON logger used by every component.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// loadConfig merges the file at path into cfg. Flags set on the command line
// keep their values.
func loadConfig(cfg *config.AppConfig, path string) error {
	if path == "" {
		return nil
	}
	explicit := map[string]string{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	*cfg = *loaded
	for name, value := range explicit {
		if err := flag.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// openSource connects the ZMQ frame source, or the simulator in debug mode
// or when ingest cannot start and fallback is enabled. The returned func
// closes the raw log, if any.
func openSource(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (<-chan types.RawMessage, string, func()) {
	closeFn := func() {}
	if cfg.Debug {
		return simulator.Stream(ctx, cfg.DebugFPS), "simulator", closeFn
	}

	var recorder ingest.RawRecorder
	if cfg.RawLogEnabled {
		writer, err := output.NewRawLogWriter(cfg.RawLogDir, "raw_cbor")
		if err != nil {
			logger.Error("failed to start raw log", "err", err)
			os.Exit(1)
		}
		logger.Info("raw log enabled", "path", writer.Path())
		recorder = writer
		closeFn = func() {
			if err := writer.Close(); err != nil {
				logger.Warn("raw log close failed", "err", err)
			}
		}
	}

	frames, err := ingest.StreamWithLogEveryAndRecorder(ctx, cfg.Endpoint, cfg.IngestLogEvery, recorder)
	if err != nil {
		if !cfg.IngestFallback {
			logger.Error("failed to start ingest", "endpoint", cfg.Endpoint, "err", err)
			closeFn()
			os.Exit(1)
		}
		logger.Warn("failed to start ingest; falling back to simulator", "endpoint", cfg.Endpoint, "err", err)
		return simulator.Stream(ctx, cfg.DebugFPS), "simulator", closeFn
	}
	return frames, cfg.Endpoint, closeFn
}

// metadataWriter stores non-frame messages next to the correlation log.
func metadataWriter(dir string, logger *slog.Logger) func(types.RawMessage) {
	return func(msg types.RawMessage) {
		logger.Info("frame source message", "type", msg.Type, "fields", len(msg.Meta))
		if dir == "" {
			return
		}
		kind := strings.TrimSpace(msg.Type)
		if kind == "" {
			kind = "metadata"
		}
		path, err := output.WriteMetadata(dir, time.Now().Format("20060102_150405"), kind, msg.Meta)
		if err != nil {
			logger.Warn("metadata write failed", "err", err)
			return
		}
		logger.Debug("metadata written", "path", path)
	}
}

func logIngestStats(ctx context.Context, logger *slog.Logger, stats *ingest.PumpStats) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := stats.Snapshot()
			logger.Info("ingest stats",
				"messages", snapshot["messages_total"],
				"frames", snapshot["frames_total"],
				"meta", snapshot["meta_total"],
				"rejected", snapshot["rejected_total"],
				"decode_failures", ingest.DecodeFailures(),
			)
		}
	}
}

package config

import (
	"encoding/json"
	"os"
	"time"

	"sensorpipe-go/internal/types"
)

// AppConfig holds runtime configuration. Fields may be loaded from a JSON file
// and overridden by command-line flags.
type AppConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`

	// Frame source
	Endpoint       string  `json:"endpoint"`
	Debug          bool    `json:"debug"`
	DebugFPS       float64 `json:"debug_fps"`
	IngestLogEvery int     `json:"ingest_log_every"`
	IngestFallback bool    `json:"ingest_fallback"`
	RawLogEnabled  bool    `json:"raw_log"`
	RawLogDir      string  `json:"raw_log_dir"`

	// Buffers
	BufferCapacity      int              `json:"buffer_capacity"`
	CorrelationCapacity int              `json:"correlation_capacity"`
	CorrelatedStream    types.StreamKind `json:"correlated_stream"`

	// Tracking
	TrackerInterval time.Duration `json:"tracker_interval"`
	MaxCorners      int           `json:"max_corners"`
	PatchRadius     int           `json:"patch_radius"`
	SearchRadius    int           `json:"search_radius"`

	// Middleware
	ClockURL        string        `json:"clock_url"`
	ClockInterval   time.Duration `json:"clock_interval"`
	PublishInterval time.Duration `json:"publish_interval"`
	PublishEndpoint string        `json:"publish_endpoint"`
	OutputDir       string        `json:"output_dir"`
}

// Default returns an AppConfig populated with standard defaults.
func Default() *AppConfig {
	return &AppConfig{
		Port:                8888,
		LogLevel:            "info",
		Endpoint:            "tcp://localhost:31001",
		DebugFPS:            30,
		IngestLogEvery:      100,
		IngestFallback:      true,
		RawLogDir:           "rawlog",
		BufferCapacity:      30,
		CorrelationCapacity: 64,
		CorrelatedStream:    types.Depth,
		TrackerInterval:     5 * time.Millisecond,
		MaxCorners:          200,
		PatchRadius:         3,
		SearchRadius:        12,
		ClockInterval:       time.Minute,
		PublishInterval:     33 * time.Millisecond,
		OutputDir:           "output",
	}
}

// Validate clamps values to safe ranges.
func (c *AppConfig) Validate() {
	d := Default()
	if c.Port < 1 || c.Port > 65535 {
		c.Port = d.Port
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = d.LogLevel
	}
	if c.DebugFPS <= 0 || c.DebugFPS > 1000 {
		c.DebugFPS = d.DebugFPS
	}
	if c.IngestLogEvery < 1 {
		c.IngestLogEvery = 1
	}
	if c.BufferCapacity < 1 {
		c.BufferCapacity = d.BufferCapacity
	}
	if c.CorrelationCapacity < 1 {
		c.CorrelationCapacity = d.CorrelationCapacity
	}
	if _, err := c.CorrelatedStream.Index(); err != nil {
		c.CorrelatedStream = d.CorrelatedStream
	}
	if c.TrackerInterval <= 0 {
		c.TrackerInterval = d.TrackerInterval
	}
	if c.MaxCorners < 1 {
		c.MaxCorners = d.MaxCorners
	}
	if c.PatchRadius < 1 || c.PatchRadius > 15 {
		c.PatchRadius = d.PatchRadius
	}
	if c.SearchRadius < 1 || c.SearchRadius > 64 {
		c.SearchRadius = d.SearchRadius
	}
	if c.ClockInterval < time.Second {
		c.ClockInterval = d.ClockInterval
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = d.PublishInterval
	}
}

// Load reads configuration from the given JSON file path. If the file does not
// exist it returns Default(). On JSON error it returns defaults with the error.
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return Default(), err
	}
	cfg.Validate()
	return cfg, nil
}

// Save writes the configuration to path as indented JSON.
func (c *AppConfig) Save(path string) error {
	c.Validate()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// Public is the subset of the configuration shown on the /config endpoint.
func (c *AppConfig) Public() map[string]any {
	return map[string]any{
		"type":              "config",
		"endpoint":          c.Endpoint,
		"debug":             c.Debug,
		"buffer_capacity":   c.BufferCapacity,
		"correlated_stream": c.CorrelatedStream.String(),
		"tracker_interval":  c.TrackerInterval.String(),
		"publish_interval":  c.PublishInterval.String(),
		"publish_endpoint":  c.PublishEndpoint,
		"clock_url":         c.ClockURL,
	}
}

// Package metrics exposes the pipeline's Prometheus collectors.
//
// All recording methods accept a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorpipe"

// Metrics holds all collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Frame metrics
	FramesIngested *prometheus.CounterVec
	FramesRejected *prometheus.CounterVec

	// Tracking metrics
	TrackingCycles   prometheus.Counter
	TrackingFailures prometheus.Counter
	TrackingDuration prometheus.Histogram
	TrackedPoints    prometheus.Gauge

	// Correlation metrics
	CorrelationPending prometheus.Gauge
	CorrelationMatched prometheus.Counter
	ClockOffset        prometheus.Gauge

	// Publisher metrics
	PublishedBundles *prometheus.CounterVec
	PublishErrors    *prometheus.CounterVec
	StartFailures    *prometheus.CounterVec

	// WebSocket metrics
	WSClients prometheus.Gauge
}

// New creates and registers all metrics, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_ingested_total",
			Help:      "Frames accepted into the stream buffers",
		}, []string{"stream"}),
		FramesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames rejected at ingestion",
		}, []string{"reason"}),

		TrackingCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_cycles_total",
			Help:      "Successful tracking cycles",
		}),
		TrackingFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_failures_total",
			Help:      "Tracking cycles that kept the previous correspondence",
		}),
		TrackingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tracking_duration_seconds",
			Help:      "Duration of one tracking call",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),
		TrackedPoints: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_points",
			Help:      "Matched keypoints in the current correspondence",
		}),

		CorrelationPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlation_pending",
			Help:      "Local timestamps awaiting a middleware timestamp",
		}),
		CorrelationMatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_matched_total",
			Help:      "Time entries drained for publishing",
		}),
		ClockOffset: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_offset_seconds",
			Help:      "Estimated middleware clock offset from the local clock",
		}),

		PublishedBundles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_bundles_total",
			Help:      "Bundles delivered per publisher",
		}, []string{"publisher"}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Publish calls that returned an error or panicked",
		}, []string{"publisher"}),
		StartFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publisher_start_failures_total",
			Help:      "Failed publisher start attempts",
		}, []string{"publisher"}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected websocket clients",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameIngested(stream string) {
	if m == nil {
		return
	}
	m.FramesIngested.WithLabelValues(stream).Inc()
}

func (m *Metrics) FrameRejected(reason string) {
	if m == nil {
		return
	}
	m.FramesRejected.WithLabelValues(reason).Inc()
}

// WatchDecodeFailures exports a decode failure count kept elsewhere.
func (m *Metrics) WatchDecodeFailures(count func() uint64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_failures_total",
		Help:      "Frame source messages that could not be decoded",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) TrackingCycle(d time.Duration, points int) {
	if m == nil {
		return
	}
	m.TrackingCycles.Inc()
	m.TrackingDuration.Observe(d.Seconds())
	m.TrackedPoints.Set(float64(points))
}

func (m *Metrics) TrackingFailed() {
	if m == nil {
		return
	}
	m.TrackingFailures.Inc()
}

func (m *Metrics) Correlation(pending, drained int) {
	if m == nil {
		return
	}
	m.CorrelationPending.Set(float64(pending))
	m.CorrelationMatched.Add(float64(drained))
}

func (m *Metrics) SetClockOffset(d time.Duration) {
	if m == nil {
		return
	}
	m.ClockOffset.Set(d.Seconds())
}

func (m *Metrics) Published(publisher string) {
	if m == nil {
		return
	}
	m.PublishedBundles.WithLabelValues(publisher).Inc()
}

func (m *Metrics) PublishFailed(publisher string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(publisher).Inc()
}

func (m *Metrics) StartFailed(publisher string) {
	if m == nil {
		return
	}
	m.StartFailures.WithLabelValues(publisher).Inc()
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture counters
	FramesPublished atomic.Uint64
	NoSignalFrames  atomic.Uint64
	HWDrops         atomic.Uint64
	PublishErrors   atomic.Uint64
	Heartbeats      atomic.Uint64

	// Reader side
	ProducerHealth atomic.Int64 // types.HealthState
	HeartbeatAgeMs atomic.Int64
	FramesCopied   atomic.Uint64
	FramesEvicted  atomic.Uint64
	ReaderLag      atomic.Int64 // frames between last_frame and the reader

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	lastFrame *prometheus.GaugeVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lastFrame: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexus_last_frame",
			Help: "Last published frame number per channel",
		}, []string{"channel"}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.lastFrame)

	// Capture metrics
	m.counter("nexus_frames_published_total", "Total frames published into the rings", &m.FramesPublished)
	m.counter("nexus_no_signal_frames_total", "Frames published with placeholder payload", &m.NoSignalFrames)
	m.counter("nexus_hw_drops_total", "Frames the capture hardware reported as dropped", &m.HWDrops)
	m.counter("nexus_publish_errors_total", "Frames that failed to publish", &m.PublishErrors)
	m.counter("nexus_heartbeats_total", "Producer heartbeats written", &m.Heartbeats)

	// Reader metrics
	m.gauge("nexus_producer_health", "Producer liveness (0=OK, 1=STALLED, 2=DEAD)",
		func() float64 { return float64(m.ProducerHealth.Load()) })
	m.gauge("nexus_heartbeat_age_ms", "Age of the producer heartbeat in milliseconds",
		func() float64 { return float64(m.HeartbeatAgeMs.Load()) })
	m.gauge("nexus_reader_lag_frames", "Frames between the newest published frame and the reader",
		func() float64 { return float64(m.ReaderLag.Load()) })
	m.counter("nexus_frames_copied_total", "Frames copied out of the rings", &m.FramesCopied)
	m.counter("nexus_frames_evicted_total", "Frames overwritten before the reader copied them", &m.FramesEvicted)

	// Recording metrics
	m.gauge("nexus_recording_active", "Recording active (0=inactive, 1=active)",
		func() float64 { return float64(m.RecordingActive.Load()) })
	m.counter("nexus_recording_bytes_total", "Total bytes written to recordings", &m.RecordingBytes)
	m.counter("nexus_recording_frames_total", "Total frames written to recordings", &m.RecordingFrames)
}

// SetLastFrame records channel ch's newest frame number.
func (m *Metrics) SetLastFrame(ch int, frame int64) {
	m.lastFrame.WithLabelValues(strconv.Itoa(ch)).Set(float64(frame))
}

// UpdateHeartbeatAge stores the producer heartbeat age
func (m *Metrics) UpdateHeartbeatAge(age time.Duration) {
	m.HeartbeatAgeMs.Store(age.Milliseconds())
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

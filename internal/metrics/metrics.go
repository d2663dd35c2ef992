package metrics

import (
	"math"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame processing counters
	FramesRead        atomic.Uint64
	FramesProcessed   atomic.Uint64
	FramesUnprocessed atomic.Uint64 // published without a detector installed
	InferenceErrors   atomic.Uint64
	SourceRewinds     atomic.Uint64
	SourceErrors      atomic.Uint64

	// Last processed frame
	latencyBits     atomic.Uint64 // float64 bits, milliseconds
	fpsBits         atomic.Uint64 // float64 bits
	ObjectsDetected atomic.Uint64

	// Model swaps
	SwapsAttempted atomic.Uint64
	SwapsSucceeded atomic.Uint64
	SwapsFailed    atomic.Uint64
	SwapsRejected  atomic.Uint64
	LoopsStarted   atomic.Uint64

	PipelineRunning atomic.Uint64 // 0 = stopped, 1 = running

	// Stream client tracking
	ActiveClients atomic.Int64
	TotalClients  atomic.Uint64
	ChunksSent    atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	// Telemetry emitter
	TelemetryPublished atomic.Uint64
	TelemetryErrors    atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "edge_vision",
			Name:      name,
			Help:      help,
		},
		fn,
	))
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.gauge(name, help, func() float64 { return float64(v.Load()) })
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Frame processing
	m.counter("frames_read_total", "Total frames read from the video source", &m.FramesRead)
	m.counter("frames_processed_total", "Total frames run through the detector", &m.FramesProcessed)
	m.counter("frames_unprocessed_total", "Total frames published without inference", &m.FramesUnprocessed)
	m.counter("inference_errors_total", "Total failed inference calls", &m.InferenceErrors)
	m.counter("source_rewinds_total", "Total end-of-stream rewinds", &m.SourceRewinds)
	m.counter("source_errors_total", "Total failed source rewinds", &m.SourceErrors)

	// Last frame
	m.gauge("latency_ms", "Inference latency of the last processed frame", m.LatencyMs)
	m.gauge("fps", "Frames per second derived from the last latency", m.FPS)
	m.counter("objects_detected", "Detections above the confidence floor in the last frame", &m.ObjectsDetected)

	// Swaps
	m.counter("swaps_attempted_total", "Total model swaps attempted", &m.SwapsAttempted)
	m.counter("swaps_succeeded_total", "Total model swaps that started a new pipeline", &m.SwapsSucceeded)
	m.counter("swaps_failed_total", "Total model swaps that failed", &m.SwapsFailed)
	m.counter("swaps_rejected_total", "Total swap requests rejected while another swap ran", &m.SwapsRejected)
	m.counter("loops_started_total", "Total processing loop instances started", &m.LoopsStarted)
	m.counter("pipeline_running", "Processing loop running (0=stopped, 1=running)", &m.PipelineRunning)

	// Stream clients
	m.gauge("stream_active_clients", "Number of connected MJPEG viewers",
		func() float64 { return float64(m.ActiveClients.Load()) })
	m.counter("stream_clients_total", "Total MJPEG viewers connected", &m.TotalClients)
	m.counter("stream_chunks_sent_total", "Total multipart chunks written to viewers", &m.ChunksSent)

	// Recording
	m.counter("recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive)
	m.counter("recording_bytes", "Total bytes written to recording", &m.RecordingBytes)
	m.counter("recording_frames", "Total frames written to recording", &m.RecordingFrames)

	// Emitter
	m.counter("telemetry_published_total", "Total telemetry messages published to MQTT", &m.TelemetryPublished)
	m.counter("telemetry_errors_total", "Total failed MQTT publishes", &m.TelemetryErrors)
}

// ObserveFrame records the outcome of one processed frame.
func (m *Metrics) ObserveFrame(latencyMs float64, objects int) {
	m.FramesProcessed.Add(1)
	m.latencyBits.Store(math.Float64bits(latencyMs))
	if latencyMs > 0 {
		m.fpsBits.Store(math.Float64bits(1000 / latencyMs))
	}
	m.ObjectsDetected.Store(uint64(objects))
}

// LatencyMs returns the last observed latency.
func (m *Metrics) LatencyMs() float64 {
	return math.Float64frombits(m.latencyBits.Load())
}

// FPS returns the last derived frame rate.
func (m *Metrics) FPS() float64 {
	return math.Float64frombits(m.fpsBits.Load())
}

// SetRunning flips the pipeline_running gauge.
func (m *Metrics) SetRunning(running bool) {
	if running {
		m.PipelineRunning.Store(1)
	} else {
		m.PipelineRunning.Store(0)
	}
}

// Registry exposes the private registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves the Prometheus handler on addr until the listener fails.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}

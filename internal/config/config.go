package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the runtime configuration for the inference server.
type Config struct {
	HTTPAddr     string `yaml:"http_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`
	PprofAddr    string `yaml:"pprof_addr"`
	ModelPath    string `yaml:"model_path"`
	ModelVersion string `yaml:"model_version"` // Defaults to the model file's base name
	VideoSource  string `yaml:"video_source"`
	LogLevel     string `yaml:"log_level"`
	LogColor     bool   `yaml:"log_color"`

	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Stream    StreamConfig    `yaml:"stream"`
	Detector  DetectorConfig  `yaml:"detector"`
	Source    SourceConfig    `yaml:"source"`
	Recording RecordingConfig `yaml:"recording"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// PipelineConfig holds the processing loop and swap tuning constants.
type PipelineConfig struct {
	ConfidenceFloor float32       `yaml:"confidence_floor"`
	LoopInterval    time.Duration `yaml:"loop_interval"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
}

// StreamConfig controls MJPEG pacing and encoding.
type StreamConfig struct {
	Interval       time.Duration `yaml:"interval"`
	EmptyWait      time.Duration `yaml:"empty_wait"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// DetectorConfig controls model loading.
type DetectorConfig struct {
	DefaultInputSize int    `yaml:"default_input_size"`
	MaxDetections    int    `yaml:"max_detections"`
	OrtLibraryPath   string `yaml:"ort_library_path"`
	IntraOpThreads   int    `yaml:"intra_op_threads"`
}

// SourceConfig controls the ffmpeg-backed video source.
type SourceConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	Realtime   bool   `yaml:"realtime"` // Read files at native frame rate (-re)
	FPS        int    `yaml:"fps"`      // 0 keeps the native rate
}

// RecordingConfig controls the annotated stream recorder.
type RecordingConfig struct {
	OutputPath string `yaml:"output_path"`
}

// MQTTConfig controls the optional telemetry emitter. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	Interval    time.Duration `yaml:"interval"`
	QoS         byte          `yaml:"qos"`
}

// DefaultConfig returns a config aligned with the original edge deployment.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8000",
		MetricsAddr: ":9090",
		ModelPath:   "models/model_int8.onnx",
		VideoSource: "data/video_test.mp4",
		LogLevel:    "info",
		LogColor:    true,
		Pipeline: PipelineConfig{
			ConfidenceFloor: 0.15,
			LoopInterval:    10 * time.Millisecond,
			ErrorBackoff:    100 * time.Millisecond,
			StopTimeout:     time.Second,
		},
		Stream: StreamConfig{
			Interval:       50 * time.Millisecond,
			EmptyWait:      100 * time.Millisecond,
			JPEGQuality:    90,
			StatusInterval: time.Second,
		},
		Detector: DetectorConfig{
			DefaultInputSize: 300,
			MaxDetections:    100,
		},
		Source: SourceConfig{
			FFmpegPath: "ffmpeg",
			Realtime:   true,
		},
		Recording: RecordingConfig{
			OutputPath: "./recordings",
		},
		MQTT: MQTTConfig{
			ClientID:    "edge-vision",
			TopicPrefix: "edge-vision",
			Interval:    time.Second,
		},
	}
}

// Load reads a YAML file and overlays it on DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error

	if c.VideoSource == "" {
		errs = append(errs, errors.New("video_source is required"))
	}
	if c.Pipeline.ConfidenceFloor < 0 || c.Pipeline.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("pipeline.confidence_floor %.3f outside [0,1]", c.Pipeline.ConfidenceFloor))
	}
	if c.Pipeline.LoopInterval < 0 {
		errs = append(errs, errors.New("pipeline.loop_interval must not be negative"))
	}
	if c.Pipeline.ErrorBackoff <= 0 {
		errs = append(errs, errors.New("pipeline.error_backoff must be positive"))
	}
	if c.Pipeline.StopTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.stop_timeout must be positive"))
	}
	if c.Stream.Interval <= 0 || c.Stream.EmptyWait <= 0 || c.Stream.StatusInterval <= 0 {
		errs = append(errs, errors.New("stream intervals must be positive"))
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("stream.jpeg_quality %d outside 1..100", c.Stream.JPEGQuality))
	}
	if c.Detector.DefaultInputSize <= 0 || c.Detector.MaxDetections <= 0 {
		errs = append(errs, errors.New("detector sizes must be positive"))
	}
	if c.MQTT.Broker != "" && c.MQTT.Interval <= 0 {
		errs = append(errs, errors.New("mqtt.interval must be positive"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d outside 0..2", c.MQTT.QoS))
	}

	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/nfnt/resize"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/config"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/detector"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/emitter"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/framebuffer"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/metrics"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/pipeline"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/recorder"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/source"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/stream"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/telemetry"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/webmonitor"
)

var (
	// Command-line flags. Flags that are set explicitly override the config file.
	configPath  = flag.String("config", "", "YAML config file (optional)")
	httpAddr    = flag.String("http", ":8000", "HTTP server address")
	metricsAddr = flag.String("metrics", ":9090", "Prometheus metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address (empty disables)")
	modelPath   = flag.String("model", "models/model_int8.onnx", "Initial model path")
	videoSource = flag.String("source", "data/video_test.mp4", "Video file, image directory or stream URL")
	ortLib      = flag.String("ort-lib", "", "Path to the onnxruntime shared library")
	recordPath  = flag.String("record-path", "./recordings", "Recording output path")
	mqttBroker  = flag.String("mqtt", "", "MQTT broker host:port (empty disables)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// Server wires the inference pipeline to its HTTP surface.
type Server struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metrics    *metrics.Metrics
	manager    *pipeline.Manager
	publisher  *stream.Publisher
	recorder   *recorder.Recorder
	emitter    *emitter.MQTTEmitter
	monitor    *webmonitor.Server
	httpServer *http.Server
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	// Color codes only make sense on a terminal.
	logger.Init(level, os.Stderr, cfg.LogColor && isatty.IsTerminal(os.Stderr.Fd()))
	defer logger.Sync()

	logger.Info("Main", "Inference server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv := NewServer(cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

// loadConfig overlays explicitly set flags on the config file (or defaults).
func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "pprof":
			cfg.PprofAddr = *pprofAddr
		case "model":
			cfg.ModelPath = *modelPath
			cfg.ModelVersion = ""
		case "source":
			cfg.VideoSource = *videoSource
		case "ort-lib":
			cfg.Detector.OrtLibraryPath = *ortLib
		case "record-path":
			cfg.Recording.OutputPath = *recordPath
		case "mqtt":
			cfg.MQTT.Broker = *mqttBroker
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-color":
			cfg.LogColor = *logColor
		}
	})
	return cfg, cfg.Validate()
}

// NewServer builds every component from cfg. Nothing runs until Start.
func NewServer(cfg config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()

	frames := framebuffer.New()
	telem := telemetry.New("")

	onnxOpts := detector.ONNXOptions{
		LibraryPath:      cfg.Detector.OrtLibraryPath,
		DefaultInputSize: cfg.Detector.DefaultInputSize,
		MaxDetections:    cfg.Detector.MaxDetections,
		IntraOpThreads:   cfg.Detector.IntraOpThreads,
	}
	adapterOpts := detector.Options{
		DefaultInputSize: cfg.Detector.DefaultInputSize,
		Interpolation:    resize.Bilinear,
	}
	loader := detector.ONNXLoader(onnxOpts)
	loadDetector := func(path string) (pipeline.Detector, error) {
		a, err := detector.Load(path, loader, adapterOpts)
		if err != nil {
			return nil, err
		}
		w, h := a.InputSize()
		logger.Info("Detector", "Loaded %s: input %dx%d %s, outputs %+v", path, w, h, a.InputEncoding(), a.Mapping())
		return a, nil
	}

	srcOpts := source.Options{
		FFmpegPath: cfg.Source.FFmpegPath,
		Realtime:   cfg.Source.Realtime,
		FPS:        cfg.Source.FPS,
	}
	openSource := func() (source.Source, error) {
		return source.Open(cfg.VideoSource, srcOpts)
	}

	manager := pipeline.NewManager(pipeline.Options{
		Config: pipeline.Config{
			Loop: pipeline.LoopConfig{
				ConfidenceFloor: cfg.Pipeline.ConfidenceFloor,
				Interval:        cfg.Pipeline.LoopInterval,
				ErrorBackoff:    cfg.Pipeline.ErrorBackoff,
			},
			StopTimeout: cfg.Pipeline.StopTimeout,
		},
		LoadDetector: loadDetector,
		OpenSource:   openSource,
		Frames:       frames,
		Telemetry:    telem,
		Metrics:      m,
	})

	publisher := stream.NewPublisher(frames, stream.Config{
		Interval:  cfg.Stream.Interval,
		EmptyWait: cfg.Stream.EmptyWait,
		Quality:   cfg.Stream.JPEGQuality,
	}, m)

	rec := recorder.NewRecorder(cfg.Recording.OutputPath, frames, publisher, m)

	s := &Server{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		metrics:   m,
		manager:   manager,
		publisher: publisher,
		recorder:  rec,
	}

	monitorOpts := webmonitor.Options{
		Config: webmonitor.Config{
			StatusInterval: cfg.Stream.StatusInterval,
			SwapTimeout:    cfg.Pipeline.StopTimeout + 30*time.Second,
		},
		Pipeline:  manager,
		Telemetry: telem,
		Video:     publisher,
		Recorder:  rec,
	}
	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(emitter.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Interval:    cfg.MQTT.Interval,
			QoS:         cfg.MQTT.QoS,
		}, telem, m)
		monitorOpts.Events = s.emitter
	}

	s.monitor = webmonitor.NewServer(monitorOpts)
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.monitor.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start boots the first pipeline and all listeners. A missing or broken
// initial model is not fatal: the server runs as not ready until a swap.
func (s *Server) Start() error {
	logger.Info("Main", "Starting inference server...")
	logger.Info("Main", "  Model: %s", s.cfg.ModelPath)
	logger.Info("Main", "  Source: %s", s.cfg.VideoSource)
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)
	logger.Info("Main", "  Recording path: %s", s.cfg.Recording.OutputPath)

	if err := s.manager.Start(s.cfg.ModelPath, s.cfg.ModelVersion); err != nil {
		if !errors.Is(err, pipeline.ErrNotReady) {
			return err
		}
		logger.Warn("Main", "Pipeline not ready, waiting for /update-model: %v", err)
	}

	if s.cfg.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", s.cfg.PprofAddr)
			if err := http.ListenAndServe(s.cfg.PprofAddr, nil); err != nil {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	if s.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
			if err := s.metrics.StartServer(s.cfg.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	if s.emitter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.emitter.Connect(s.ctx); err != nil {
				logger.Warn("MQTT", "Initial connect failed, retrying in background: %v", err)
			}
			s.emitter.Run(s.ctx)
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	logger.Info("Main", "Server started successfully")
	return nil
}

// Shutdown stops HTTP first so no swap can start, then the pipeline.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Streaming responses never finish on their own, so a failed graceful
	// shutdown falls back to closing connections.
	httpErr := s.httpServer.Shutdown(ctx)
	if httpErr != nil {
		_ = s.httpServer.Close()
	}
	s.monitor.Close()

	if err := s.recorder.Close(); err != nil {
		logger.Warn("Main", "Recorder close: %v", err)
	}

	s.cancel()
	s.wg.Wait()
	if s.emitter != nil {
		s.emitter.Disconnect()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.cfg.Pipeline.StopTimeout+time.Second)
	defer stopCancel()
	pipeErr := s.manager.Stop(stopCtx)

	if err := detector.ShutdownRuntime(); err != nil {
		logger.Warn("Main", "onnxruntime shutdown: %v", err)
	}

	return errors.Join(pipeErr, ignoreDeadline(httpErr))
}

func ignoreDeadline(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

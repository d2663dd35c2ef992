// Package webmonitor serves the HTTP surface of the inference server: the
// telemetry endpoints, the annotated video feed, model hot-swap and recording.
package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/pipeline"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/recorder"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/telemetry"
)

// Pipeline is the part of pipeline.Manager the handlers use.
type Pipeline interface {
	Swap(ctx context.Context, modelPath string) (pipeline.SwapResult, error)
	Status() pipeline.Status
}

// TelemetryReader returns the last-known telemetry snapshot and when it was
// written.
type TelemetryReader interface {
	Read() telemetry.Snapshot
	UpdatedAt() time.Time
}

// Recorder controls the annotated stream recording.
type Recorder interface {
	Start() (recorder.RecordingStatus, error)
	Stop() (recorder.RecordingStatus, error)
	Status() recorder.RecordingStatus
}

// EventSink receives swap outcomes, e.g. the MQTT emitter.
type EventSink interface {
	PublishEvent(kind string, fields map[string]any) error
}

// Options wires the server to the core. Recorder and Events are optional.
type Options struct {
	Config    Config
	Pipeline  Pipeline
	Telemetry TelemetryReader
	Video     http.Handler
	Recorder  Recorder
	Events    EventSink
}

// Server serves the web monitor endpoints.
type Server struct {
	cfg         Config
	pipeline    Pipeline
	telemetry   TelemetryReader
	video       http.Handler
	recorder    Recorder
	events      EventSink
	broadcaster *TelemetryBroadcaster
}

// NewServer returns a configured monitor server. Call Close to stop its
// background broadcaster.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	if cfg.SwapTimeout <= 0 {
		cfg.SwapTimeout = DefaultConfig().SwapTimeout
	}

	broadcaster := NewTelemetryBroadcaster(opts.Telemetry, cfg.StatusInterval)
	broadcaster.Start()

	return &Server{
		cfg:         cfg,
		pipeline:    opts.Pipeline,
		telemetry:   opts.Telemetry,
		video:       opts.Video,
		recorder:    opts.Recorder,
		events:      opts.Events,
		broadcaster: broadcaster,
	}
}

// Close stops the telemetry broadcaster.
func (s *Server) Close() {
	s.broadcaster.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/stream", s.handleMetricsStream)
	mux.HandleFunc("/ws/telemetry", s.handleTelemetryWS)
	mux.HandleFunc("/update-model", s.handleUpdateModel)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	if s.video != nil {
		mux.Handle("/video_feed", s.video)
	}

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.pipeline.Status()
	if !st.Ready {
		writeJSONWithStatus(w, map[string]any{"status": "not_ready", "state": st.State}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "state": st.State})
}

// handleMetrics returns the last-known snapshot, also while a swap is in
// progress or no loop is running.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.telemetry.Read()

	if wantsProtobuf(r) {
		data, err := snapshotProto(snap)
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	streamEventsFromChannel(w, r, eventCh, wantsProtobuf(r))
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// swapResponse is the /update-model reply. Logical failures are reported in
// the body with HTTP 200.
type swapResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	modelPath := r.URL.Query().Get("model_path")
	if modelPath == "" {
		modelPath = r.FormValue("model_path")
	}
	if modelPath == "" {
		writeJSON(w, swapResponse{Status: "error", Message: "model_path is required"})
		return
	}

	logger.Info("WebMonitor", "Model update requested: %s", modelPath)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SwapTimeout)
	defer cancel()

	res, err := s.pipeline.Swap(ctx, modelPath)
	if err != nil {
		msg := swapErrorMessage(modelPath, err)
		s.publishSwapEvent("error", modelPath, "", msg)
		writeJSON(w, swapResponse{Status: "error", Message: msg})
		return
	}

	msg := fmt.Sprintf("model switched to %s", modelPath)
	s.publishSwapEvent("success", modelPath, res.ModelVersion, msg)
	writeJSON(w, swapResponse{Status: "success", Message: msg})
}

func swapErrorMessage(modelPath string, err error) string {
	switch {
	case errors.Is(err, pipeline.ErrModelNotFound):
		return fmt.Sprintf("model file not found: %s", modelPath)
	case errors.Is(err, pipeline.ErrSwapInProgress):
		return "another model swap is in progress"
	case errors.Is(err, pipeline.ErrSwapFailed):
		return fmt.Sprintf("model failed to load, no pipeline running: %v", err)
	default:
		return err.Error()
	}
}

func (s *Server) publishSwapEvent(status, modelPath, version, msg string) {
	if s.events == nil {
		return
	}
	err := s.events.PublishEvent("model_swap", map[string]any{
		"status":        status,
		"model_path":    modelPath,
		"model_version": version,
		"message":       msg,
	})
	if err != nil {
		logger.Debug("WebMonitor", "Swap event not published: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	// telemetry_updated_at stays zero until the first processed frame and
	// stops advancing while the pipeline is stalled or degraded.
	payload := map[string]any{
		"pipeline":             s.pipeline.Status(),
		"telemetry":            s.telemetry.Read(),
		"telemetry_updated_at": s.telemetry.UpdatedAt(),
		"clients":              s.broadcaster.ClientCount(),
		"timestamp":            float64(time.Now().Unix()),
	}
	if s.recorder != nil {
		payload["recording"] = s.recorder.Status()
	}
	writeJSON(w, payload)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusServiceUnavailable)
		return
	}

	st, err := s.recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       st.Filename,
		"id":         st.ID,
		"started_at": float64(st.StartTime.Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusServiceUnavailable)
		return
	}

	st, err := s.recorder.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       st.Filename,
		"stats":      st,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recorder.Status())
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/framebuffer"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/metrics"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/source"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/telemetry"
)

var (
	// ErrModelNotFound means the model path does not exist. Nothing was touched.
	ErrModelNotFound = errors.New("model not found")
	// ErrSwapInProgress rejects a swap issued while another one runs.
	ErrSwapInProgress = errors.New("model swap already in progress")
	// ErrSwapTimeout means the running loop did not confirm its stop within
	// the grace period. No replacement loop is started.
	ErrSwapTimeout = errors.New("timed out waiting for pipeline to stop")
	// ErrSwapFailed means the new model could not be loaded after the old
	// loop was stopped. No loop is running until a later swap succeeds.
	ErrSwapFailed = errors.New("model swap failed")
	// ErrNotReady is returned by Start when no loop could be started.
	ErrNotReady = errors.New("pipeline not ready")
)

// DetectorLoader builds a detector for a model file.
type DetectorLoader func(modelPath string) (Detector, error)

// SourceOpener opens a fresh video source for a new loop.
type SourceOpener func() (source.Source, error)

// Config tunes the manager and the loops it starts.
type Config struct {
	Loop        LoopConfig
	StopTimeout time.Duration // grace period for a loop to confirm its stop
}

// Options wires a Manager to its collaborators. Nil buffers, telemetry and
// metrics are created on demand.
type Options struct {
	Config       Config
	LoadDetector DetectorLoader
	OpenSource   SourceOpener
	Frames       *framebuffer.Buffer
	Telemetry    *telemetry.State
	Metrics      *metrics.Metrics
}

// SwapResult describes a successful swap.
type SwapResult struct {
	ModelPath    string        `json:"model_path"`
	ModelVersion string        `json:"model_version"`
	LoopID       string        `json:"loop_id"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	State        string `json:"state"`
	Ready        bool   `json:"ready"`
	Swapping     bool   `json:"swapping"`
	LoopID       string `json:"loop_id,omitempty"`
	ModelPath    string `json:"model_path,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// Manager owns the active processing loop and is the only component allowed
// to replace it. At most one loop owns the video source at any time: a new
// loop is started only after the previous one has signalled Done.
type Manager struct {
	cfg     Config
	load    DetectorLoader
	open    SourceOpener
	frames  *framebuffer.Buffer
	telem   *telemetry.State
	metrics *metrics.Metrics

	swapMu   sync.Mutex // held for the duration of a swap or stop
	swapping bool

	mu           sync.RWMutex
	loop         *Loop
	modelPath    string
	modelVersion string
	lastErr      error
}

// NewManager creates a manager with no loop running.
func NewManager(opts Options) *Manager {
	if opts.Frames == nil {
		opts.Frames = framebuffer.New()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.New("")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Config.StopTimeout <= 0 {
		opts.Config.StopTimeout = time.Second
	}
	return &Manager{
		cfg:     opts.Config,
		load:    opts.LoadDetector,
		open:    opts.OpenSource,
		frames:  opts.Frames,
		telem:   opts.Telemetry,
		metrics: opts.Metrics,
	}
}

// Frames returns the buffer loops publish into.
func (m *Manager) Frames() *framebuffer.Buffer { return m.frames }

// Telemetry returns the shared telemetry state.
func (m *Manager) Telemetry() *telemetry.State { return m.telem }

// Start boots the first loop with modelPath. version overrides the reported
// model version; empty uses the file's base name. When the model is missing
// or fails to load no loop is started and the error wraps ErrNotReady.
func (m *Manager) Start(modelPath, version string) error {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	if version == "" {
		version = filepath.Base(modelPath)
	}

	if err := checkModel(modelPath); err != nil {
		m.setFailure(err)
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	loop, err := m.startLoop(modelPath)
	if err != nil {
		m.setFailure(err)
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	m.install(loop, modelPath, version)
	logger.Info("Pipeline", "Started with model %s (version %s)", modelPath, version)
	return nil
}

// Swap replaces the running model with the one at modelPath.
//
// The old loop is stopped and awaited before the new model is loaded. If the
// path does not exist the running loop is left alone (ErrModelNotFound). If
// the old loop does not stop within the grace period, or ctx ends first, the
// swap aborts with ErrSwapTimeout and no new loop is started. If the new
// model fails to load the manager is left without a loop (ErrSwapFailed).
func (m *Manager) Swap(ctx context.Context, modelPath string) (SwapResult, error) {
	if !m.swapMu.TryLock() {
		m.metrics.SwapsRejected.Add(1)
		logger.Warn("Pipeline", "Swap to %s rejected: another swap is running", modelPath)
		return SwapResult{}, ErrSwapInProgress
	}
	defer m.swapMu.Unlock()

	m.setSwapping(true)
	defer m.setSwapping(false)

	start := time.Now()
	m.metrics.SwapsAttempted.Add(1)
	logger.Info("Pipeline", "Swap requested: %s", modelPath)

	if err := checkModel(modelPath); err != nil {
		m.metrics.SwapsFailed.Add(1)
		logger.Warn("Pipeline", "Swap aborted, pipeline untouched: %v", err)
		return SwapResult{}, err
	}

	if err := m.stopCurrent(ctx); err != nil {
		m.metrics.SwapsFailed.Add(1)
		m.setFailure(err)
		logger.Error("Pipeline", "Swap aborted: %v", err)
		return SwapResult{}, err
	}

	loop, err := m.startLoop(modelPath)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSwapFailed, err)
		m.metrics.SwapsFailed.Add(1)
		m.setFailure(err)
		logger.Error("Pipeline", "Swap failed, no pipeline running: %v", err)
		return SwapResult{}, err
	}

	version := m.versionFor(modelPath)
	m.install(loop, modelPath, version)
	m.metrics.SwapsSucceeded.Add(1)

	res := SwapResult{
		ModelPath:    modelPath,
		ModelVersion: version,
		LoopID:       loop.ID(),
		Elapsed:      time.Since(start),
	}
	logger.Info("Pipeline", "Swap to %s complete in %v (loop %s)", version, res.Elapsed, loop.ID())
	return res, nil
}

// Stop stops the running loop, waiting for any in-flight swap first.
func (m *Manager) Stop(ctx context.Context) error {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()
	return m.stopCurrent(ctx)
}

// Status reports the current loop and model.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		Swapping:     m.swapping,
		ModelPath:    m.modelPath,
		ModelVersion: m.modelVersion,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}

	switch {
	case m.loop != nil:
		state := m.loop.State()
		st.State = state.String()
		st.LoopID = m.loop.ID()
		st.Ready = state == StateRunning || state == StateStarting
	case m.modelPath == "":
		st.State = "not_ready"
	default:
		st.State = "degraded"
	}
	return st
}

// Running reports whether a loop is currently processing frames.
func (m *Manager) Running() bool {
	return m.Status().Ready
}

// ModelVersion returns the version of the installed model.
func (m *Manager) ModelVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.modelVersion
}

// versionFor keeps the installed version when modelPath is the installed
// model, so a version set at Start survives a reload of the same file.
func (m *Manager) versionFor(modelPath string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if modelPath == m.modelPath && m.modelVersion != "" {
		return m.modelVersion
	}
	return filepath.Base(modelPath)
}

func checkModel(modelPath string) error {
	if modelPath == "" {
		return fmt.Errorf("%w: empty model path", ErrModelNotFound)
	}
	info, err := os.Stat(modelPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrModelNotFound, modelPath)
	}
	return nil
}

// startLoop loads the detector, opens a source and starts a loop on them.
func (m *Manager) startLoop(modelPath string) (*Loop, error) {
	det, err := m.load(modelPath)
	if err != nil {
		return nil, err
	}
	src, err := m.open()
	if err != nil {
		_ = det.Close()
		return nil, fmt.Errorf("failed to open video source: %w", err)
	}

	loop := NewLoop(m.cfg.Loop, src, det, m.frames, m.telem, m.metrics)
	loop.Start()
	return loop, nil
}

// stopCurrent stops the installed loop and waits for it. On timeout the loop
// stays installed so that a later swap waits for it again.
func (m *Manager) stopCurrent(ctx context.Context) error {
	m.mu.RLock()
	loop := m.loop
	m.mu.RUnlock()
	if loop == nil {
		return nil
	}

	logger.Info("Pipeline", "Stopping loop %s", loop.ID())
	loop.RequestStop()

	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-loop.Done():
	case <-timer.C:
		return fmt.Errorf("%w: loop %s after %v", ErrSwapTimeout, loop.ID(), m.cfg.StopTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSwapTimeout, ctx.Err())
	}

	m.mu.Lock()
	if m.loop == loop {
		m.loop = nil
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) install(loop *Loop, modelPath, version string) {
	m.mu.Lock()
	m.loop = loop
	m.modelPath = modelPath
	m.modelVersion = version
	m.lastErr = nil
	m.mu.Unlock()

	m.telem.SetModelVersion(version)
}

func (m *Manager) setFailure(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setSwapping(v bool) {
	m.mu.Lock()
	m.swapping = v
	m.mu.Unlock()
}

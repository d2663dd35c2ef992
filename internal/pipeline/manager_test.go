package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/detector"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/metrics"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/source"
)

// harness records every detector and source a manager creates.
type harness struct {
	mu        sync.Mutex
	detectors map[string][]*fakeDetector
	sources   []*fakeSource
	loadErr   map[string]error
	loadHook  func(path string)
	infer     func(call int) ([]detector.Detection, float64, error)
}

func newHarness() *harness {
	return &harness{
		detectors: make(map[string][]*fakeDetector),
		loadErr:   make(map[string]error),
		infer:     fixedDetections(det(0.9)),
	}
}

func (h *harness) load(path string) (Detector, error) {
	if h.loadHook != nil {
		h.loadHook(path)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.loadErr[filepath.Base(path)]; err != nil {
		return nil, err
	}
	d := &fakeDetector{infer: h.infer}
	h.detectors[path] = append(h.detectors[path], d)
	return d, nil
}

func (h *harness) open() (source.Source, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := newFakeSource(2)
	h.sources = append(h.sources, s)
	return s, nil
}

func (h *harness) sourceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sources)
}

func (h *harness) manager(t *testing.T) (*Manager, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	mgr := NewManager(Options{
		Config:       Config{Loop: testLoopConfig(), StopTimeout: 200 * time.Millisecond},
		LoadDetector: h.load,
		OpenSource:   h.open,
		Metrics:      m,
	})
	t.Cleanup(func() { _ = mgr.Stop(context.Background()) })
	return mgr, m
}

func TestStartReportsModelVersion(t *testing.T) {
	dir := t.TempDir()
	a := modelFile(t, dir, "model_int8.onnx")

	mgr, _ := newHarness().manager(t)
	if err := mgr.Start(a, ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if v := mgr.Telemetry().Read().ModelVersion; v != "model_int8.onnx" {
		t.Fatalf("model_version = %q", v)
	}
	waitFor(t, "running", mgr.Running)
}

func TestStartWithoutModelIsNotReady(t *testing.T) {
	h := newHarness()
	mgr, _ := h.manager(t)

	err := mgr.Start(filepath.Join(t.TempDir(), "missing.onnx"), "")
	if !errors.Is(err, ErrNotReady) || !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("Start() error = %v, want ErrNotReady+ErrModelNotFound", err)
	}
	st := mgr.Status()
	if st.State != "not_ready" || st.Ready {
		t.Fatalf("status = %+v", st)
	}
	if h.sourceCount() != 0 {
		t.Fatalf("source opened without a model")
	}
}

func TestSwapMissingModelLeavesPipelineUntouched(t *testing.T) {
	dir := t.TempDir()
	a := modelFile(t, dir, "a.onnx")
	h := newHarness()
	mgr, m := h.manager(t)
	if err := mgr.Start(a, ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	loopID := mgr.Status().LoopID

	_, err := mgr.Swap(context.Background(), filepath.Join(dir, "nope.onnx"))
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("Swap() error = %v, want ErrModelNotFound", err)
	}

	st := mgr.Status()
	if st.LoopID != loopID || !st.Ready {
		t.Fatalf("pipeline disturbed: %+v", st)
	}
	if v := mgr.Telemetry().Read().ModelVersion; v != "a.onnx" {
		t.Fatalf("model_version = %q, want a.onnx", v)
	}
	if h.sourceCount() != 1 || m.SwapsFailed.Load() != 1 {
		t.Fatalf("sources=%d swaps_failed=%d", h.sourceCount(), m.SwapsFailed.Load())
	}
}

func TestSwapToNewModel(t *testing.T) {
	dir := t.TempDir()
	a := modelFile(t, dir, "a.onnx")
	b := modelFile(t, dir, "b.onnx")
	h := newHarness()
	mgr, m := h.manager(t)
	if err := mgr.Start(a, ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, "first frame", func() bool { return mgr.Frames().Version() > 0 })
	oldID := mgr.Status().LoopID

	// Readers keep polling throughout the swap.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = mgr.Telemetry().Read()
			if _, _, ok := mgr.Frames().Snapshot(); !ok {
				t.Errorf("frame buffer emptied during swap")
				return
			}
		}
	}()

	res, err := mgr.Swap(context.Background(), b)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("Swap() error: %v", err)
	}
	if res.ModelVersion != "b.onnx" || res.LoopID == oldID {
		t.Fatalf("result = %+v", res)
	}
	if v := mgr.Telemetry().Read().ModelVersion; v != "b.onnx" {
		t.Fatalf("model_version = %q", v)
	}

	h.mu.Lock()
	oldDet, oldSrc := h.detectors[a][0], h.sources[0]
	h.mu.Unlock()
	if !oldDet.isClosed() || !oldSrc.isClosed() {
		t.Fatalf("old loop resources not released")
	}
	waitFor(t, "new loop running", mgr.Running)
	if m.LoopsStarted.Load() != 2 || m.SwapsSucceeded.Load() != 1 {
		t.Fatalf("loops=%d swaps=%d", m.LoopsStarted.Load(), m.SwapsSucceeded.Load())
	}
}

func TestSwapSameModelIsIdempotent(t *testing.T) {
	tests := []struct {
		name    string
		version string
		want    string
	}{
		{"file name version", "", "a.onnx"},
		{"configured version", "v1_int8", "v1_int8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			a := modelFile(t, dir, "a.onnx")
			mgr, _ := newHarness().manager(t)
			if err := mgr.Start(a, tt.version); err != nil {
				t.Fatalf("Start() error: %v", err)
			}

			for i := 0; i < 3; i++ {
				res, err := mgr.Swap(context.Background(), a)
				if err != nil {
					t.Fatalf("Swap() #%d error: %v", i, err)
				}
				if res.ModelVersion != tt.want {
					t.Fatalf("Swap() #%d version = %q, want %q", i, res.ModelVersion, tt.want)
				}
			}
			if v := mgr.Telemetry().Read().ModelVersion; v != tt.want {
				t.Fatalf("model_version = %q, want %q", v, tt.want)
			}
			if v := mgr.ModelVersion(); v != tt.want {
				t.Fatalf("ModelVersion() = %q, want %q", v, tt.want)
			}
			waitFor(t, "running", mgr.Running)
		})
	}
}

func TestSwapToOtherModelDropsConfiguredVersion(t *testing.T) {
	dir := t.TempDir()
	a := modelFile(t, dir, "a.onnx")
	b := modelFile(t, dir, "b.onnx")
	mgr, _ := newHarness().manager(t)
	if err := mgr.Start(a, "v1_int8"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	res, err := mgr.Swap(context.Background(), b)
	if err != nil {
		t.Fatalf("Swap() error: %v", err)
	}
	if res.ModelVersion != "b.onnx" {
		t.Fatalf("version = %q, want b.onnx", res.ModelVersion)
	}
}

func TestSwapFailureLeavesDegradedState(t *testing.T) {
	dir := t.TempDir()
	a := modelFile(t, dir, "a.onnx")
	bad := modelFile(t, dir, "bad.onnx")
	h := newHarness()
	h.loadErr["bad.onnx"] = detector.ErrModelLoad
	mgr, _ := h.manager(t)
	if err := mgr.Start(a, ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	_, err := mgr.Swap(context.Background(), bad)
	if !errors.Is(err, ErrSwapFailed) || !errors.Is(err, detector.ErrModelLoad) {
		t.Fatalf("Swap() error = %v, want ErrSwapFailed wrapping ErrModelLoad", err)
	}
	st := mgr.Status()
	if st.Ready || st.State != "degraded" || st.LastError == "" {
		t.Fatalf("status = %+v", st)
	}

	// Telemetry keeps the last known values.
	if v := mgr.Telemetry().Read().ModelVersion; v != "a.onnx" {
		t.Fatalf("model_version = %q", v)
	}

	// A later good swap recovers.
	if _, err := mgr.Swap(context.Background(), a); err != nil {
		t.Fatalf("recovery Swap() error: %v", err)
	}
	waitFor(t, "running", mgr.Running)
	if mgr.Status().LastError != "" {
		t.Fatalf("last error not cleared")
	}
}

func TestConcurrentSwapRejected(t *testing.T) {
	dir := t.TempDir()
	a := modelFile(t, dir, "a.onnx")
	b := modelFile(t, dir, "b.onnx")

	h := newHarness()
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	h.loadHook = func(path string) {
		if filepath.Base(path) == "b.onnx" {
			once.Do(func() { close(entered) })
			<-gate
		}
	}
	mgr, m := h.manager(t)
	if err := mgr.Start(a, ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Swap(context.Background(), b)
		done <- err
	}()
	<-entered

	if !mgr.Status().Swapping {
		t.Fatalf("status does not report the running swap")
	}
	if _, err := mgr.Swap(context.Background(), a); !errors.Is(err, ErrSwapInProgress) {
		t.Fatalf("second Swap() error = %v, want ErrSwapInProgress", err)
	}
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("first Swap() error: %v", err)
	}
	if m.SwapsRejected.Load() != 1 {
		t.Fatalf("swaps_rejected = %d", m.SwapsRejected.Load())
	}
	if v := mgr.ModelVersion(); v != "b.onnx" {
		t.Fatalf("model version = %q", v)
	}
}

func TestSwapTimeoutNeverOverlapsLoops(t *testing.T) {
	dir := t.TempDir()
	a := modelFile(t, dir, "a.onnx")
	b := modelFile(t, dir, "b.onnx")

	h := newHarness()
	release := make(chan struct{})
	inInfer := make(chan struct{})
	var once sync.Once
	h.infer = func(call int) ([]detector.Detection, float64, error) {
		// Simulates an inference call that cannot be cancelled.
		once.Do(func() { close(inInfer) })
		<-release
		return nil, 1, nil
	}
	mgr, m := h.manager(t)
	if err := mgr.Start(a, ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-inInfer

	_, err := mgr.Swap(context.Background(), b)
	if !errors.Is(err, ErrSwapTimeout) {
		t.Fatalf("Swap() error = %v, want ErrSwapTimeout", err)
	}
	if m.LoopsStarted.Load() != 1 || h.sourceCount() != 1 {
		t.Fatalf("replacement started while old loop alive: loops=%d sources=%d", m.LoopsStarted.Load(), h.sourceCount())
	}
	if st := mgr.Status(); st.State != StateStopRequested.String() || st.Ready {
		t.Fatalf("status = %+v", st)
	}

	close(release)
	if _, err := mgr.Swap(context.Background(), b); err != nil {
		t.Fatalf("Swap() after release error: %v", err)
	}
	if mgr.ModelVersion() != "b.onnx" {
		t.Fatalf("model version = %q", mgr.ModelVersion())
	}
}

func TestSwapHonoursContext(t *testing.T) {
	dir := t.TempDir()
	a := modelFile(t, dir, "a.onnx")
	b := modelFile(t, dir, "b.onnx")

	h := newHarness()
	release := make(chan struct{})
	defer close(release)
	h.infer = func(int) ([]detector.Detection, float64, error) {
		<-release
		return nil, 1, nil
	}
	mgr, _ := h.manager(t)
	if err := mgr.Start(a, ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mgr.Swap(ctx, b); !errors.Is(err, ErrSwapTimeout) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Swap() error = %v, want ErrSwapTimeout wrapping context.Canceled", err)
	}
}

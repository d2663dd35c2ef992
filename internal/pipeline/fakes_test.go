package pipeline

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/detector"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/source"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/pkg/types"
)

// fakeSource yields n black frames, then ErrEndOfStream until rewound.
type fakeSource struct {
	mu      sync.Mutex
	n       int
	next    int
	seq     uint64
	rewinds int
	closed  bool
	w, h    int
}

func newFakeSource(n int) *fakeSource {
	return &fakeSource{n: n, w: 100, h: 100}
}

func (s *fakeSource) Read() (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("read after close")
	}
	if s.next >= s.n {
		return nil, source.ErrEndOfStream
	}
	s.next++
	s.seq++
	return types.NewFrame(s.w, s.h, s.seq), nil
}

func (s *fakeSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	s.rewinds++
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSource) rewindCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewinds
}

// fakeDetector returns whatever infer decides for each call (1-based).
type fakeDetector struct {
	mu     sync.Mutex
	calls  int
	closed bool
	infer  func(call int) ([]detector.Detection, float64, error)
}

func (d *fakeDetector) Infer(image.Image) ([]detector.Detection, float64, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()
	return d.infer(call)
}

func (d *fakeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDetector) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func fixedDetections(dets ...detector.Detection) func(int) ([]detector.Detection, float64, error) {
	return func(int) ([]detector.Detection, float64, error) {
		out := append([]detector.Detection(nil), dets...)
		return out, 5, nil
	}
}

func det(score float32) detector.Detection {
	return detector.Detection{ClassID: 1, Score: score, Box: detector.Box{YMin: 0.1, XMin: 0.1, YMax: 0.5, XMax: 0.5}}
}

func testLoopConfig() LoopConfig {
	return LoopConfig{
		ConfidenceFloor: 0.15,
		Interval:        time.Millisecond,
		ErrorBackoff:    time.Millisecond,
	}
}

// modelFile creates an empty file that passes the existence check.
func modelFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("model"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Package telemetry holds the last-known performance and detection counters
// of the processing loop.
package telemetry

import (
	"sync"
	"time"
)

// Snapshot is one complete telemetry reading.
type Snapshot struct {
	FPS             float64 `json:"fps"`
	LatencyMs       float64 `json:"latency_ms"`
	ModelVersion    string  `json:"model_version"`
	ObjectsDetected int     `json:"objects_detected"`
}

// Map returns the snapshot as a generic map, keyed like its JSON form.
func (s Snapshot) Map() map[string]any {
	return map[string]any{
		"fps":              s.FPS,
		"latency_ms":       s.LatencyMs,
		"model_version":    s.ModelVersion,
		"objects_detected": s.ObjectsDetected,
	}
}

// State is the shared telemetry slot. A single writer replaces the snapshot
// under the lock; readers receive copies.
type State struct {
	mu      sync.RWMutex
	snap    Snapshot
	version uint64
	updated time.Time
}

// New creates a State reporting modelVersion and zeroed counters.
func New(modelVersion string) *State {
	return &State{snap: Snapshot{ModelVersion: modelVersion}}
}

// Read returns the current snapshot.
func (s *State) Read() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Write replaces the whole snapshot.
func (s *State) Write(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.version++
	s.updated = time.Now()
}

// RecordFrame stores the result of one processed frame. FPS is derived as
// 1000/latency and kept from the previous frame when latency is not positive.
func (s *State) RecordFrame(latencyMs float64, objects int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap
	next.LatencyMs = latencyMs
	next.ObjectsDetected = objects
	if latencyMs > 0 {
		next.FPS = 1000.0 / latencyMs
	}
	s.snap = next
	s.version++
	s.updated = time.Now()
	return next
}

// SetModelVersion changes only the model_version field.
func (s *State) SetModelVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.ModelVersion = version
	s.version++
	s.updated = time.Now()
}

// Version increments on every write.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// UpdatedAt returns when the snapshot was last written.
func (s *State) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

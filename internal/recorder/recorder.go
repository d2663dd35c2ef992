package recorder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/metrics"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// FrameWaiter reports published frame versions.
type FrameWaiter interface {
	Version() uint64
	Wait(ctx context.Context, after uint64) (uint64, error)
}

// JPEGSource returns the newest frame as JPEG with its version.
type JPEGSource interface {
	Latest() ([]byte, uint64, bool)
}

// Recorder appends every newly published annotated frame to an MJPEG file
// (concatenated JPEG images, playable with `ffplay -f mjpeg`).
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	id           string
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	cancel       context.CancelFunc
	done         chan struct{} // closed when this recording's writer exits

	frames  FrameWaiter
	jpegs   JPEGSource
	metrics *metrics.Metrics
}

// NewRecorder creates a recorder writing under basePath. m may be nil.
func NewRecorder(basePath string, frames FrameWaiter, jpegs JPEGSource, m *metrics.Metrics) *Recorder {
	if m == nil {
		m = metrics.New()
	}
	return &Recorder{
		basePath: basePath,
		frames:   frames,
		jpegs:    jpegs,
		metrics:  m,
	}
}

// Start starts recording to a new file
func (r *Recorder) Start() (RecordingStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return r.statusLocked(), ErrAlreadyRecording
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return RecordingStatus{}, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	file, filename, err := createRecordingFile(r.basePath, time.Now().Format("20060102_150405"))
	if err != nil {
		return RecordingStatus{}, fmt.Errorf("failed to create file: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.file = file
	r.id = uuid.NewString()
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.cancel = cancel
	r.done = done
	r.metrics.RecordingActive.Store(1)

	go r.writeFrames(ctx, done, file, r.frames.Version())

	logger.Info("Recorder", "Recording %s started (%s)", filename, r.id)
	return r.statusLocked(), nil
}

// createRecordingFile creates recording_<timestamp>.mjpeg, adding a numeric
// suffix when a recording started within the same second already exists.
func createRecordingFile(basePath, timestamp string) (*os.File, string, error) {
	filename := fmt.Sprintf("recording_%s.mjpeg", timestamp)
	for i := 1; ; i++ {
		file, err := os.OpenFile(filepath.Join(basePath, filename), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, filename, nil
		}
		if !errors.Is(err, fs.ErrExist) || i >= 100 {
			return nil, "", err
		}
		filename = fmt.Sprintf("recording_%s_%d.mjpeg", timestamp, i)
	}
}

// Stop stops recording and returns the final status. The file and writer of
// this recording are detached under the lock, so a Start issued while Stop is
// still flushing gets its own file and is left untouched.
func (r *Recorder) Stop() (RecordingStatus, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return RecordingStatus{}, ErrNotRecording
	}
	status := r.statusLocked()
	status.Recording = false
	r.recording = false
	file, cancel, done := r.file, r.cancel, r.done
	r.file, r.cancel, r.done = nil, nil, nil
	r.metrics.RecordingActive.Store(0)
	r.mu.Unlock()

	cancel()
	<-done

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return status, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		return status, fmt.Errorf("failed to close file: %w", err)
	}

	logger.Info("Recorder", "Recording %s stopped: %d frames, %s", status.Filename, status.FrameCount, humanize.Bytes(status.BytesWritten))
	return status, nil
}

// writeFrames writes each frame published after the recording started.
func (r *Recorder) writeFrames(ctx context.Context, done chan<- struct{}, file *os.File, last uint64) {
	defer close(done)

	for {
		v, err := r.frames.Wait(ctx, last)
		if err != nil {
			return
		}
		data, dv, ok := r.jpegs.Latest()
		if !ok {
			last = v
			continue
		}
		if dv <= last {
			last = v
			continue
		}
		last = dv
		r.writeFrame(file, data)
	}
}

// writeFrame appends data to file if it still belongs to the active recording.
func (r *Recorder) writeFrame(file *os.File, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != file {
		return
	}

	n, err := file.Write(data)
	if err != nil {
		logger.Warn("Recorder", "Write to %s failed: %v", r.filename, err)
		return
	}

	r.bytesWritten += uint64(n)
	r.frameCount++
	r.metrics.RecordingBytes.Add(uint64(n))
	r.metrics.RecordingFrames.Add(1)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusLocked()
}

func (r *Recorder) statusLocked() RecordingStatus {
	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	var path string
	if r.filename != "" {
		path = filepath.Join(r.basePath, r.filename)
	}

	return RecordingStatus{
		ID:           r.id,
		Recording:    r.recording,
		Filename:     r.filename,
		Path:         path,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	ID           string    `json:"id,omitempty"`
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	Path         string    `json:"path,omitempty"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}

package pipeline

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/detector"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/framebuffer"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/metrics"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/overlay"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/source"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/telemetry"
)

// Detector is the part of detector.Adapter the loop depends on.
type Detector interface {
	Infer(img image.Image) ([]detector.Detection, float64, error)
	Close() error
}

// LoopConfig holds the loop's tuning constants.
type LoopConfig struct {
	ConfidenceFloor float32       // detections must score strictly above this
	Interval        time.Duration // pause after each iteration
	ErrorBackoff    time.Duration // pause after a failed inference or rewind
}

// DefaultLoopConfig returns the stock tuning.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		ConfidenceFloor: 0.15,
		Interval:        10 * time.Millisecond,
		ErrorBackoff:    100 * time.Millisecond,
	}
}

// errLogEvery throttles repeated inference error logs.
const errLogEvery = 50

// Loop drives capture, inference, annotation and publishing for one source
// and one detector until stopped. The loop owns both and closes them on exit.
type Loop struct {
	id  string
	cfg LoopConfig

	src     source.Source
	det     Detector // nil runs the loop without inference
	frames  *framebuffer.Buffer
	telem   *telemetry.State
	metrics *metrics.Metrics

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	inferErrors uint64
	dryRewinds  int // rewinds since the last successful read
	width       int // size of the last frame read
	height      int
}

// NewLoop creates a loop in the Starting state.
func NewLoop(cfg LoopConfig, src source.Source, det Detector, frames *framebuffer.Buffer, telem *telemetry.State, m *metrics.Metrics) *Loop {
	if m == nil {
		m = metrics.New()
	}
	return &Loop{
		id:      uuid.NewString(),
		cfg:     cfg,
		src:     src,
		det:     det,
		frames:  frames,
		telem:   telem,
		metrics: m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID identifies this loop instance in logs and status.
func (l *Loop) ID() string {
	return l.id
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Start runs the loop in a new goroutine.
func (l *Loop) Start() {
	go l.run()
}

// RequestStop asks the loop to exit at the next iteration boundary.
// It does not wait; use Done for that.
func (l *Loop) RequestStop() {
	l.stopOnce.Do(func() {
		l.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested))
		l.state.CompareAndSwap(int32(StateStarting), int32(StateStopRequested))
		close(l.stop)
	})
}

// Done is closed once the loop has released its resources and reached
// StateStopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	defer l.release()

	l.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	l.metrics.LoopsStarted.Add(1)
	l.metrics.SetRunning(true)
	logger.Info("Pipeline", "Loop %s running (detector=%v)", l.id, l.det != nil)

	for {
		select {
		case <-l.stop:
			return
		default:
		}
		l.pause(l.step())
	}
}

func (l *Loop) release() {
	if err := l.src.Close(); err != nil {
		logger.Warn("Pipeline", "Loop %s: closing source: %v", l.id, err)
	}
	if l.det != nil {
		if err := l.det.Close(); err != nil {
			logger.Warn("Pipeline", "Loop %s: closing detector: %v", l.id, err)
		}
	}
	l.state.Store(int32(StateStopped))
	l.metrics.SetRunning(false)
	logger.Info("Pipeline", "Loop %s stopped", l.id)
}

// step runs one iteration and returns how long to pause before the next.
func (l *Loop) step() time.Duration {
	frame, err := l.src.Read()
	if err != nil {
		return l.rewind(err)
	}
	l.dryRewinds = 0
	l.metrics.FramesRead.Add(1)
	if w, h := frame.Width(), frame.Height(); w != l.width || h != l.height {
		logger.Info("Pipeline", "Loop %s: source frames are %dx%d", l.id, w, h)
		l.width, l.height = w, h
	}

	if l.det == nil {
		l.frames.Publish(frame)
		l.metrics.FramesUnprocessed.Add(1)
		return l.cfg.Interval
	}

	dets, latency, err := l.det.Infer(frame.Image)
	if err != nil {
		l.inferErrors++
		l.metrics.InferenceErrors.Add(1)
		if l.inferErrors == 1 || l.inferErrors%errLogEvery == 0 {
			logger.Warn("Pipeline", "Loop %s: inference error #%d on frame %d: %v", l.id, l.inferErrors, frame.Seq, err)
		}
		return l.cfg.ErrorBackoff
	}

	kept := make([]detector.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Score > l.cfg.ConfidenceFloor {
			kept = append(kept, d)
		}
	}
	overlay.Annotate(frame.Image, kept)

	l.telem.RecordFrame(latency, len(kept))
	l.metrics.ObserveFrame(latency, len(kept))
	l.frames.Publish(frame)
	return l.cfg.Interval
}

func (l *Loop) rewind(cause error) time.Duration {
	l.metrics.SourceRewinds.Add(1)
	if !errors.Is(cause, source.ErrEndOfStream) {
		logger.Debug("Pipeline", "Loop %s: source read failed, rewinding: %v", l.id, cause)
	} else {
		logger.Debug("Pipeline", "Loop %s: end of stream, rewinding", l.id)
	}

	if err := l.src.Rewind(); err != nil {
		l.metrics.SourceErrors.Add(1)
		logger.Warn("Pipeline", "Loop %s: rewind failed: %v", l.id, err)
		return l.cfg.ErrorBackoff
	}

	// A source that yields nothing between rewinds would otherwise spin.
	l.dryRewinds++
	if l.dryRewinds > 1 {
		return l.cfg.ErrorBackoff
	}
	return 0
}

// pause sleeps for d, waking early if a stop is requested.
func (l *Loop) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.stop:
	}
}

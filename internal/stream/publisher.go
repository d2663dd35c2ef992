// Package stream turns the frame buffer into an MJPEG multipart stream.
package stream

import (
	"bytes"
	"context"
	"image/jpeg"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/framebuffer"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/metrics"
)

// Boundary separates multipart chunks.
const Boundary = "frame"

// ContentType is the response content type of a stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

var partHeader = []byte("--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n")

// Config controls stream pacing and encoding.
type Config struct {
	Interval  time.Duration // pause between chunks
	EmptyWait time.Duration // pause while no frame has been published
	Quality   int           // JPEG quality 1-100
}

// DefaultConfig returns the stock pacing.
func DefaultConfig() Config {
	return Config{
		Interval:  50 * time.Millisecond,
		EmptyWait: 100 * time.Millisecond,
		Quality:   90,
	}
}

// Publisher serves independent MJPEG sequences to any number of viewers.
// Viewers share one JPEG encoding per published frame version.
type Publisher struct {
	frames  *framebuffer.Buffer
	cfg     Config
	metrics *metrics.Metrics

	mu           sync.Mutex
	cacheVersion uint64
	cacheJPEG    []byte
}

// NewPublisher creates a publisher reading from frames. m may be nil.
func NewPublisher(frames *framebuffer.Buffer, cfg Config, m *metrics.Metrics) *Publisher {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.EmptyWait <= 0 {
		cfg.EmptyWait = def.EmptyWait
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	if m == nil {
		m = metrics.New()
	}
	return &Publisher{frames: frames, cfg: cfg, metrics: m}
}

// Latest returns the newest frame as JPEG together with its version.
// ok is false while nothing has been published.
func (p *Publisher) Latest() (data []byte, version uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v := p.frames.Version(); v != 0 && v == p.cacheVersion {
		return p.cacheJPEG, v, true
	}

	frame, v, ok := p.frames.Snapshot()
	if !ok {
		return nil, 0, false
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		logger.Warn("MJPEG", "Encode frame %d failed: %v", frame.Seq, err)
		return nil, 0, false
	}
	p.cacheVersion = v
	p.cacheJPEG = buf.Bytes()
	return p.cacheJPEG, v, true
}

// Chunk frames one JPEG as a multipart part.
func Chunk(jpegData []byte) []byte {
	out := make([]byte, 0, len(partHeader)+len(jpegData)+2)
	out = append(out, partHeader...)
	out = append(out, jpegData...)
	return append(out, '\r', '\n')
}

// Chunks yields multipart chunks until ctx ends or the consumer stops.
// The newest frame is re-sent every interval, so a stalled pipeline shows its
// last frame rather than ending the stream.
func (p *Publisher) Chunks(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for ctx.Err() == nil {
			data, _, ok := p.Latest()
			if !ok {
				if !sleep(ctx, p.cfg.EmptyWait) {
					return
				}
				continue
			}
			if !yield(Chunk(data)) {
				return
			}
			if !sleep(ctx, p.cfg.Interval) {
				return
			}
		}
	}
}

// ServeHTTP streams chunks to one viewer until it disconnects.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	p.metrics.ActiveClients.Add(1)
	p.metrics.TotalClients.Add(1)
	defer p.metrics.ActiveClients.Add(-1)
	logger.Debug("MJPEG", "Client %s connected", r.RemoteAddr)

	for chunk := range p.Chunks(r.Context()) {
		if _, err := w.Write(chunk); err != nil {
			logger.Debug("MJPEG", "Client %s disconnected during write: %v", r.RemoteAddr, err)
			return
		}
		flusher.Flush()
		p.metrics.ChunksSent.Add(1)
	}
	logger.Debug("MJPEG", "Client %s disconnected", r.RemoteAddr)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

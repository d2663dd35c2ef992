package source

import (
	"bufio"
	"bytes"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/pkg/types"
)

// FFmpegSource decodes a video file or stream with an ffmpeg subprocess that
// writes MJPEG frames to a pipe. Rewind restarts the subprocess.
type FFmpegSource struct {
	ref  string
	opts Options

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	frames *jpegSplitter
	seq    uint64
}

// NewFFmpegSource starts ffmpeg for ref.
func NewFFmpegSource(ref string, opts Options) (*FFmpegSource, error) {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if _, err := exec.LookPath(opts.FFmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}

	s := &FFmpegSource{ref: ref, opts: opts}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FFmpegSource) args() []string {
	var args []string
	args = append(args, "-hide_banner", "-loglevel", "error")
	switch {
	case strings.HasPrefix(s.ref, "rtsp://"):
		args = append(args, "-rtsp_transport", "tcp")
	case !isStream(s.ref) && s.opts.Realtime:
		args = append(args, "-re")
	}
	args = append(args, "-i", s.ref, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3")
	if s.opts.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(s.opts.FPS))
	}
	return append(args, "-")
}

func (s *FFmpegSource) start() error {
	cmd := exec.Command(s.opts.FFmpegPath, s.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("Source", "ffmpeg: %s", scanner.Text())
		}
	}()

	s.cmd = cmd
	s.stdout = stdout
	s.frames = newJPEGSplitter(stdout)
	logger.Info("Source", "ffmpeg started for %s (pid %d)", s.ref, cmd.Process.Pid)
	return nil
}

func (s *FFmpegSource) stop() {
	if s.cmd == nil {
		return
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdout = nil
	s.frames = nil
}

// Read returns the next decoded frame.
func (s *FFmpegSource) Read() (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frames == nil {
		return nil, ErrEndOfStream
	}
	data, err := s.frames.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEndOfStream, err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrEndOfStream, err)
	}

	s.seq++
	return types.FromImage(img, s.seq), nil
}

// Rewind restarts playback from the beginning of the file, or reconnects a
// live stream.
func (s *FFmpegSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stop()
	return s.start()
}

func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stop()
	return nil
}

// jpegSplitter cuts a concatenated MJPEG byte stream into single JPEG images
// using the SOI (FFD8) and EOI (FFD9) markers.
type jpegSplitter struct {
	r     io.Reader
	buf   []byte
	chunk []byte
}

func newJPEGSplitter(r io.Reader) *jpegSplitter {
	return &jpegSplitter{
		r:     r,
		buf:   make([]byte, 0, 1024*1024),
		chunk: make([]byte, 64*1024),
	}
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// Next returns the next complete JPEG. It returns io.EOF once the reader is
// drained, dropping any trailing partial image.
func (j *jpegSplitter) Next() ([]byte, error) {
	for {
		if frame := extractJPEGFrame(&j.buf); frame != nil {
			return frame, nil
		}
		n, err := j.r.Read(j.chunk)
		j.buf = append(j.buf, j.chunk[:n]...)
		if err != nil {
			if frame := extractJPEGFrame(&j.buf); frame != nil {
				return frame, nil
			}
			return nil, err
		}
	}
}

// extractJPEGFrame removes and returns the first complete JPEG in buf, or nil
// when buf holds none yet. Bytes before the SOI marker are discarded.
func extractJPEGFrame(buf *[]byte) []byte {
	start := bytes.Index(*buf, jpegSOI)
	if start < 0 {
		// Keep a trailing 0xFF in case the marker is split across reads.
		if n := len(*buf); n > 0 && (*buf)[n-1] == 0xFF {
			*buf = append((*buf)[:0], 0xFF)
		} else {
			*buf = (*buf)[:0]
		}
		return nil
	}

	end := bytes.Index((*buf)[start+2:], jpegEOI)
	if end < 0 {
		if start > 0 {
			*buf = append((*buf)[:0], (*buf)[start:]...)
		}
		return nil
	}
	end += start + 2 + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, (*buf)[start:end])
	*buf = append((*buf)[:0], (*buf)[end:]...)
	return frame
}

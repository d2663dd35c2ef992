// Package source provides looping video frame sources.
package source

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/pkg/types"
)

// ErrEndOfStream is returned by Read when no more frames are available until
// Rewind. Read failures of any kind are reported as ErrEndOfStream.
var ErrEndOfStream = errors.New("end of stream")

// Source yields decoded frames. Implementations are used by one goroutine at
// a time.
type Source interface {
	// Read returns the next frame, or an error wrapping ErrEndOfStream.
	Read() (*types.Frame, error)
	// Rewind seeks back to the first frame.
	Rewind() error
	Close() error
}

// Options configure how a source reference is opened.
type Options struct {
	FFmpegPath string // ffmpeg binary used for video files and streams
	Realtime   bool   // pace file playback at its native frame rate
	FPS        int    // output frame rate; 0 keeps the source rate
}

// Open picks an implementation for ref: directories and still images are
// read directly, everything else (files, rtsp://, http://, devices) goes
// through ffmpeg.
func Open(ref string, opts Options) (Source, error) {
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		return openImages(ref)
	}
	if isImageFile(ref) {
		return openImages(ref)
	}
	return NewFFmpegSource(ref, opts)
}

func openImages(ref string) (Source, error) {
	s, err := NewImageSource(ref)
	if err != nil {
		return nil, err
	}
	logger.Info("Source", "Looping %d image(s) from %s", s.Len(), ref)
	return s, nil
}

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
}

func isImageFile(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

func isStream(ref string) bool {
	for _, prefix := range []string{"rtsp://", "rtmp://", "http://", "https://", "udp://", "tcp://"} {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}

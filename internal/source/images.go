package source

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/pkg/types"
)

// ImageSource plays a single image or a directory of images in name order.
type ImageSource struct {
	paths []string
	next  int
	seq   uint64
}

// NewImageSource lists the images under path (or path itself).
func NewImageSource(path string) (*ImageSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image source: %w", err)
	}

	var paths []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", path, err)
		}
		for _, e := range entries {
			if !e.IsDir() && isImageFile(e.Name()) {
				paths = append(paths, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(paths)
	} else {
		paths = []string{path}
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", path)
	}
	return &ImageSource{paths: paths}, nil
}

// Read decodes the next image.
func (s *ImageSource) Read() (*types.Frame, error) {
	if s.next >= len(s.paths) {
		return nil, ErrEndOfStream
	}
	path := s.paths[s.next]
	s.next++

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEndOfStream, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrEndOfStream, path, err)
	}

	s.seq++
	return types.FromImage(img, s.seq), nil
}

// Rewind restarts from the first image.
func (s *ImageSource) Rewind() error {
	s.next = 0
	return nil
}

// Len returns the number of images in the sequence.
func (s *ImageSource) Len() int {
	return len(s.paths)
}

func (s *ImageSource) Close() error {
	return nil
}

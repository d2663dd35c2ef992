package types

import (
	"image"
	"time"
)

// Frame is one decoded video frame with capture metadata.
// A Frame is owned by whichever pipeline stage holds it; use Clone before
// handing it to another owner.
type Frame struct {
	Image     *image.RGBA // Pixel data (always RGBA, origin at 0,0)
	Timestamp time.Time   // Capture timestamp
	Seq       uint64      // Sequential frame number within the source
}

// NewFrame allocates a blank frame of the given size.
func NewFrame(width, height int, seq uint64) *Frame {
	return &Frame{
		Image:     image.NewRGBA(image.Rect(0, 0, width, height)),
		Timestamp: time.Now(),
		Seq:       seq,
	}
}

// FromImage converts any decoded image into an RGBA frame.
func FromImage(img image.Image, seq uint64) *Frame {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return &Frame{Image: rgba, Timestamp: time.Now(), Seq: seq}
	}

	b := img.Bounds()
	frame := NewFrame(b.Dx(), b.Dy(), seq)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			frame.Image.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return frame
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dx()
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dy()
}

// Clone returns a deep copy that shares no pixel memory with f.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := &Frame{Timestamp: f.Timestamp, Seq: f.Seq}
	if f.Image != nil {
		pix := make([]uint8, len(f.Image.Pix))
		copy(pix, f.Image.Pix)
		out.Image = &image.RGBA{
			Pix:    pix,
			Stride: f.Image.Stride,
			Rect:   f.Image.Rect,
		}
	}
	return out
}

// Package overlay draws detection boxes and labels onto frames.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/detector"
)

var (
	// BoxColor is the outline and label color for detections.
	BoxColor = color.RGBA{0, 255, 0, 255}
	// Thickness of box outlines in pixels.
	Thickness = 2
)

// Label formats the text drawn next to a detection.
func Label(d detector.Detection) string {
	return fmt.Sprintf("ID %d: %.2f", d.ClassID, d.Score)
}

// Annotate draws every detection onto img in place. Boxes whose min and max
// coordinates are swapped are drawn with the corners reordered.
func Annotate(img *image.RGBA, dets []detector.Detection) {
	b := img.Bounds()
	w, h := float32(b.Dx()), float32(b.Dy())

	for _, d := range dets {
		left := b.Min.X + int(min(d.Box.XMin, d.Box.XMax)*w)
		right := b.Min.X + int(max(d.Box.XMin, d.Box.XMax)*w)
		top := b.Min.Y + int(min(d.Box.YMin, d.Box.YMax)*h)
		bottom := b.Min.Y + int(max(d.Box.YMin, d.Box.YMax)*h)

		drawRect(img, image.Rect(left, top, right, bottom), BoxColor, Thickness)
		drawLabel(img, left, top-10, Label(d), BoxColor)
	}
}

// drawRect outlines r, clipped to the image.
func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(x, y int) {
		if (image.Point{x, y}).In(bounds) {
			img.SetRGBA(x, y, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x <= r.Max.X; x++ {
			set(x, r.Min.Y+t)
			set(x, r.Max.Y-t)
		}
		for y := r.Min.Y; y <= r.Max.Y; y++ {
			set(r.Min.X+t, y)
			set(r.Max.X-t, y)
		}
	}
}

// drawLabel writes text with its baseline at y, kept inside the frame.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bounds := img.Bounds()
	face := basicfont.Face7x13
	if y < bounds.Min.Y+face.Ascent {
		y = bounds.Min.Y + face.Ascent
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(label)
}

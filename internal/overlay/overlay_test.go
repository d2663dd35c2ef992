package overlay

import (
	"image"
	"image/color"
	"testing"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/detector"
)

func countColor(img *image.RGBA, c color.RGBA) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y) == c {
				n++
			}
		}
	}
	return n
}

func TestLabel(t *testing.T) {
	got := Label(detector.Detection{ClassID: 17, Score: 0.876})
	if got != "ID 17: 0.88" {
		t.Fatalf("Label() = %q", got)
	}
}

func TestAnnotateDrawsBox(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	Annotate(img, []detector.Detection{{
		ClassID: 1,
		Score:   0.5,
		Box:     detector.Box{YMin: 0.1, XMin: 0.1, YMax: 0.5, XMax: 0.5},
	}})

	// Corners of the box outline.
	for _, p := range []image.Point{{10, 10}, {50, 10}, {10, 50}, {50, 50}} {
		if img.RGBAAt(p.X, p.Y) != BoxColor {
			t.Fatalf("pixel %v = %v, want box color", p, img.RGBAAt(p.X, p.Y))
		}
	}
	// Interior stays untouched.
	if img.RGBAAt(30, 30) == BoxColor {
		t.Fatalf("interior pixel painted")
	}
}

func TestAnnotateToleratesSwappedCorners(t *testing.T) {
	a := image.NewRGBA(image.Rect(0, 0, 80, 60))
	b := image.NewRGBA(image.Rect(0, 0, 80, 60))
	Annotate(a, []detector.Detection{{Box: detector.Box{YMin: 0.2, XMin: 0.2, YMax: 0.8, XMax: 0.8}}})
	Annotate(b, []detector.Detection{{Box: detector.Box{YMin: 0.8, XMin: 0.8, YMax: 0.2, XMax: 0.2}}})

	if countColor(a, BoxColor) != countColor(b, BoxColor) {
		t.Fatalf("swapped box drawn differently: %d vs %d", countColor(a, BoxColor), countColor(b, BoxColor))
	}
}

func TestAnnotateFullFrameBoxStaysInBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	Annotate(img, []detector.Detection{{Box: detector.Box{YMin: 0, XMin: 0, YMax: 1, XMax: 1}}})
	if countColor(img, BoxColor) == 0 {
		t.Fatalf("nothing drawn")
	}
}

func TestAnnotateNoDetections(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	Annotate(img, nil)
	if countColor(img, BoxColor) != 0 {
		t.Fatalf("pixels drawn without detections")
	}
}

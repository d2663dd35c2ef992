package detector

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/nfnt/resize"
)

// Layout is the memory order of the model input.
type Layout int

const (
	LayoutNHWC Layout = iota + 1
	LayoutNCHW
)

func (l Layout) String() string {
	switch l {
	case LayoutNHWC:
		return "NHWC"
	case LayoutNCHW:
		return "NCHW"
	default:
		return "unknown"
	}
}

// Options tune adapter construction.
type Options struct {
	// DefaultInputSize replaces dynamic spatial input dimensions.
	DefaultInputSize int
	// Discovery assigns output tensor roles. Nil means DefaultDiscovery.
	Discovery DiscoveryStrategy
	// Interpolation used when resizing frames to the model input.
	Interpolation resize.InterpolationFunction
}

func (o Options) withDefaults() Options {
	if o.DefaultInputSize <= 0 {
		o.DefaultInputSize = 300
	}
	if o.Discovery == nil {
		o.Discovery = DefaultDiscovery
	}
	return o
}

type inputSpec struct {
	info     TensorInfo
	width    int
	height   int
	layout   Layout
	encoding InputEncoding
}

// Adapter wraps one loaded model and turns its raw outputs into Detections.
// Everything that depends on the model's declared tensors is decided once in
// New and cached for the adapter's lifetime.
type Adapter struct {
	backend Backend
	opts    Options

	input    inputSpec
	mapping  Mapping
	scoreEnc OutputEncoding
	boxEnc   OutputEncoding
	classEnc OutputEncoding

	mu  sync.Mutex // serializes Run and guards buf
	buf Tensor
}

// Load opens modelPath with loader and builds an Adapter around it.
// Every failure wraps ErrModelLoad.
func Load(modelPath string, loader Loader, opts Options) (*Adapter, error) {
	backend, err := loader(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, modelPath, err)
	}

	a, err := New(backend, opts)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("%s: %w", modelPath, err)
	}
	return a, nil
}

// New inspects backend's declared tensors and builds an Adapter.
func New(backend Backend, opts Options) (*Adapter, error) {
	opts = opts.withDefaults()

	inputs := backend.Inputs()
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: model declares no inputs", ErrModelLoad)
	}
	input, err := resolveInput(inputs[0], opts.DefaultInputSize)
	if err != nil {
		return nil, err
	}

	outputs := backend.Outputs()
	mapping, err := opts.Discovery.Discover(outputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	a := &Adapter{
		backend:  backend,
		opts:     opts,
		input:    input,
		mapping:  mapping,
		scoreEnc: scaledEncodingFor(outputs[mapping.Scores].Type),
		boxEnc:   scaledEncodingFor(outputs[mapping.Boxes].Type),
		classEnc: labelEncodingFor(outputs[mapping.Classes].Type),
	}
	a.buf = a.newInputTensor()
	return a, nil
}

func resolveInput(info TensorInfo, fallback int) (inputSpec, error) {
	in := inputSpec{info: info}

	enc, err := inputEncodingFor(info.Type)
	if err != nil {
		return in, err
	}
	in.encoding = enc

	if info.Rank() != 4 {
		return in, fmt.Errorf("%w: input %s must be rank 4", ErrModelLoad, info)
	}

	var h, w int64
	switch {
	case info.Shape[3] == 3:
		in.layout = LayoutNHWC
		h, w = info.Shape[1], info.Shape[2]
	case info.Shape[1] == 3:
		in.layout = LayoutNCHW
		h, w = info.Shape[2], info.Shape[3]
	default:
		return in, fmt.Errorf("%w: input %s has no 3-channel axis", ErrModelLoad, info)
	}

	in.height, in.width = int(h), int(w)
	if in.height <= 0 {
		in.height = fallback
	}
	if in.width <= 0 {
		in.width = fallback
	}

	if in.layout == LayoutNHWC {
		in.info.Shape = []int64{1, int64(in.height), int64(in.width), 3}
	} else {
		in.info.Shape = []int64{1, 3, int64(in.height), int64(in.width)}
	}
	return in, nil
}

func (a *Adapter) newInputTensor() Tensor {
	n := a.input.width * a.input.height * 3
	t := Tensor{Info: a.input.info}
	if a.input.encoding == InputScaledUint8 {
		t.Uint8 = make([]uint8, n)
	} else {
		t.Float32 = make([]float32, n)
	}
	return t
}

// Mapping returns the output roles discovered at load time.
func (a *Adapter) Mapping() Mapping {
	return a.mapping
}

// InputEncoding returns the pixel encoding fed to the model.
func (a *Adapter) InputEncoding() InputEncoding {
	return a.input.encoding
}

// InputSize returns the model's spatial input dimensions.
func (a *Adapter) InputSize() (width, height int) {
	return a.input.width, a.input.height
}

// Infer runs one frame through the model. Latency covers resize, inference
// and decode, in milliseconds.
func (a *Adapter) Infer(img image.Image) ([]Detection, float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()

	resized := resize.Resize(uint(a.input.width), uint(a.input.height), img, a.opts.Interpolation)
	a.fillInput(resized)

	outs, err := a.backend.Run(a.buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if len(outs) != len(a.backend.Outputs()) {
		return nil, 0, fmt.Errorf("%w: backend returned %d outputs, want %d", ErrInference, len(outs), len(a.backend.Outputs()))
	}

	dets := a.decodeOutputs(outs)
	latency := float64(time.Since(start)) / float64(time.Millisecond)
	return dets, latency, nil
}

func (a *Adapter) fillInput(img image.Image) {
	w, h := a.input.width, a.input.height
	plane := w * h
	quantized := a.input.encoding == InputScaledUint8

	set := func(x, y, c int, v uint8) {
		var idx int
		if a.input.layout == LayoutNHWC {
			idx = (y*w+x)*3 + c
		} else {
			idx = c*plane + y*w + x
		}
		if quantized {
			a.buf.Uint8[idx] = v
		} else {
			a.buf.Float32[idx] = float32(v) / 255.0
		}
	}

	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < h && y < b.Dy(); y++ {
			for x := 0; x < w && x < b.Dx(); x++ {
				off := rgba.PixOffset(b.Min.X+x, b.Min.Y+y)
				p := rgba.Pix[off : off+3]
				set(x, y, 0, p[0])
				set(x, y, 1, p[1])
				set(x, y, 2, p[2])
			}
		}
		return
	}

	for y := 0; y < h && y < b.Dy(); y++ {
		for x := 0; x < w && x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			set(x, y, 0, uint8(r>>8))
			set(x, y, 1, uint8(g>>8))
			set(x, y, 2, uint8(bl>>8))
		}
	}
}

func (a *Adapter) decodeOutputs(outs []Tensor) []Detection {
	scores := decode(outs[a.mapping.Scores], a.scoreEnc)
	classes := decode(outs[a.mapping.Classes], a.classEnc)
	boxes := decode(outs[a.mapping.Boxes], a.boxEnc)

	n := min(len(scores), len(classes), len(boxes)/4)
	dets := make([]Detection, n)
	for i := range n {
		b := boxes[i*4 : i*4+4]
		dets[i] = Detection{
			ClassID: classIndex(classes[i]),
			Score:   clamp01(scores[i]),
			Box: Box{
				YMin: clamp01(b[0]),
				XMin: clamp01(b[1]),
				YMax: clamp01(b[2]),
				XMax: clamp01(b[3]),
			},
		}
	}
	return dets
}

// Close releases the backend.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backend.Close()
}

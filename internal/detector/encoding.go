package detector

import (
	"fmt"
	"math"
)

// InputEncoding is how pixel values are written into the input tensor.
type InputEncoding int

const (
	// InputScaledUint8 passes raw 0-255 pixel values (quantized models).
	InputScaledUint8 InputEncoding = iota + 1
	// InputNormalizedFloat divides pixel values by 255 (float models).
	InputNormalizedFloat
)

func (e InputEncoding) String() string {
	switch e {
	case InputScaledUint8:
		return "uint8"
	case InputNormalizedFloat:
		return "float32"
	default:
		return "unknown"
	}
}

func inputEncodingFor(t ElementType) (InputEncoding, error) {
	switch t {
	case ElementUint8:
		return InputScaledUint8, nil
	case ElementFloat32:
		return InputNormalizedFloat, nil
	default:
		return 0, fmt.Errorf("%w: unsupported input element type %s", ErrModelLoad, t)
	}
}

// OutputEncoding is how an output tensor's values map back to floats.
// It is chosen once per tensor at load time.
type OutputEncoding int

const (
	// OutputQuantizedUint8 values are divided by 255 to recover [0,1].
	OutputQuantizedUint8 OutputEncoding = iota + 1
	// OutputFloat values are already scaled.
	OutputFloat
	// OutputInteger values are integral labels, cast without rescaling.
	OutputInteger
)

func (e OutputEncoding) String() string {
	switch e {
	case OutputQuantizedUint8:
		return "quantized-uint8"
	case OutputFloat:
		return "float"
	case OutputInteger:
		return "integer"
	default:
		return "unknown"
	}
}

// scaledEncodingFor picks the decoder for score and box tensors.
func scaledEncodingFor(t ElementType) OutputEncoding {
	if t == ElementUint8 {
		return OutputQuantizedUint8
	}
	return OutputFloat
}

// labelEncodingFor picks the decoder for class id tensors. Class ids are
// labels, so an 8-bit class tensor is never rescaled.
func labelEncodingFor(t ElementType) OutputEncoding {
	if t == ElementFloat32 {
		return OutputFloat
	}
	return OutputInteger
}

// decode flattens a tensor to float32 according to enc.
func decode(t Tensor, enc OutputEncoding) []float32 {
	out := make([]float32, t.Len())
	switch t.Info.Type {
	case ElementUint8:
		for i, v := range t.Uint8 {
			if enc == OutputQuantizedUint8 {
				out[i] = float32(v) / 255.0
			} else {
				out[i] = float32(v)
			}
		}
	case ElementInt32:
		for i, v := range t.Int32 {
			out[i] = float32(v)
		}
	case ElementInt64:
		for i, v := range t.Int64 {
			out[i] = float32(v)
		}
	case ElementFloat32:
		copy(out, t.Float32)
	}
	return out
}

// classIndex truncates a decoded class value. NaN, negative and values
// beyond int32 map to 0 so the conversion is defined on every platform.
func classIndex(v float32) int {
	if v != v || v < 0 || v >= math.MaxInt32 {
		return 0
	}
	return int(v)
}

// clamp01 also maps NaN to 0.
func clamp01(v float32) float32 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

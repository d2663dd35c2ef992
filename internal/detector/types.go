package detector

import (
	"errors"
	"fmt"
)

var (
	// ErrModelLoad covers a missing, malformed or unsupported model artifact.
	ErrModelLoad = errors.New("model load failed")
	// ErrUnrecognizedOutputs means output tensor discovery could not assign
	// boxes, classes and scores. It is always wrapped together with ErrModelLoad.
	ErrUnrecognizedOutputs = errors.New("unrecognized output tensors")
	// ErrInference is returned when a single inference call fails.
	ErrInference = errors.New("inference failed")
)

// Box is a normalized bounding box. Coordinates are fractions of the frame
// height (Y) and width (X), clamped to [0,1]. Min <= Max is not guaranteed.
type Box struct {
	YMin float32 `json:"y_min"`
	XMin float32 `json:"x_min"`
	YMax float32 `json:"y_max"`
	XMax float32 `json:"x_max"`
}

// Detection is one recognized object in a frame.
type Detection struct {
	ClassID int     `json:"class_id"`
	Score   float32 `json:"score"`
	Box     Box     `json:"box"`
}

// ElementType is the native numeric type of a tensor.
type ElementType int

const (
	ElementUnknown ElementType = iota
	ElementUint8
	ElementInt32
	ElementInt64
	ElementFloat32
)

func (e ElementType) String() string {
	switch e {
	case ElementUint8:
		return "uint8"
	case ElementInt32:
		return "int32"
	case ElementInt64:
		return "int64"
	case ElementFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// TensorInfo describes one model input or output as declared by the model.
// Dimensions that are dynamic are negative.
type TensorInfo struct {
	Index int
	Name  string
	Shape []int64
	Type  ElementType
}

func (t TensorInfo) String() string {
	return fmt.Sprintf("#%d %q %v %s", t.Index, t.Name, t.Shape, t.Type)
}

// Rank returns the number of dimensions.
func (t TensorInfo) Rank() int {
	return len(t.Shape)
}

// Tensor carries raw tensor data. Exactly one of the typed slices is used,
// selected by Info.Type.
type Tensor struct {
	Info    TensorInfo
	Uint8   []uint8
	Int32   []int32
	Int64   []int64
	Float32 []float32
}

// Len returns the number of elements held by the tensor.
func (t Tensor) Len() int {
	switch t.Info.Type {
	case ElementUint8:
		return len(t.Uint8)
	case ElementInt32:
		return len(t.Int32)
	case ElementInt64:
		return len(t.Int64)
	case ElementFloat32:
		return len(t.Float32)
	default:
		return 0
	}
}

// Backend runs the numeric kernel of one loaded model.
// Run is never called concurrently for the same backend.
type Backend interface {
	Inputs() []TensorInfo
	Outputs() []TensorInfo
	// Run feeds the first model input and returns every output, in Outputs() order.
	Run(input Tensor) ([]Tensor, error)
	Close() error
}

// Loader opens a model artifact and returns its backend.
type Loader func(modelPath string) (Backend, error)

package detector

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOptions configure the onnxruntime backend.
type ONNXOptions struct {
	// LibraryPath points at libonnxruntime. Empty uses the platform default.
	LibraryPath string
	// DefaultInputSize replaces dynamic spatial input dimensions.
	DefaultInputSize int
	// MaxDetections replaces dynamic detection-count output dimensions.
	MaxDetections int
	// IntraOpThreads limits onnxruntime's thread pool. 0 keeps its default.
	IntraOpThreads int
}

var (
	ortOnce sync.Once
	ortErr  error
)

// InitRuntime loads the onnxruntime shared library once per process.
func InitRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return ortErr
}

// ShutdownRuntime releases the onnxruntime environment.
func ShutdownRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ONNXLoader returns a Loader that opens .onnx files with onnxruntime.
func ONNXLoader(opts ONNXOptions) Loader {
	return func(modelPath string) (Backend, error) {
		return NewONNXBackend(modelPath, opts)
	}
}

// onnxBackend uses exactly one of session or dynamic. Models whose outputs
// are fully static bind pre-allocated outputs to an AdvancedSession. When any
// output dimension is dynamic onnxruntime allocates outputs per run, since a
// pre-bound buffer must match the produced shape exactly.
type onnxBackend struct {
	session *ort.AdvancedSession
	dynamic *ort.DynamicAdvancedSession
	inputs  []TensorInfo
	outputs []TensorInfo
	input   ort.ArbitraryTensor
	results []ort.ArbitraryTensor
}

// NewONNXBackend opens modelPath and pre-allocates the input tensor, and the
// output tensors when their shapes are static. Dynamic dimensions are
// resolved once here for discovery; real output shapes come from each run.
func NewONNXBackend(modelPath string, opts ONNXOptions) (Backend, error) {
	if opts.DefaultInputSize <= 0 {
		opts.DefaultInputSize = 300
	}
	if opts.MaxDetections <= 0 {
		opts.MaxDetections = 100
	}
	if err := InitRuntime(opts.LibraryPath); err != nil {
		return nil, err
	}

	inInfo, outInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model io info: %w", err)
	}
	if len(inInfo) == 0 || len(outInfo) == 0 {
		return nil, errors.New("model declares no inputs or outputs")
	}

	b := &onnxBackend{}
	for i, info := range inInfo {
		b.inputs = append(b.inputs, TensorInfo{
			Index: i,
			Name:  info.Name,
			Shape: resolveInputShape(info.Dimensions, opts.DefaultInputSize),
			Type:  elementTypeOf(info.DataType),
		})
	}
	for i, info := range outInfo {
		b.outputs = append(b.outputs, TensorInfo{
			Index: i,
			Name:  info.Name,
			Shape: resolveOutputShape(info.Dimensions, opts.MaxDetections),
			Type:  elementTypeOf(info.DataType),
		})
	}

	b.input, err = newORTTensor(b.inputs[0])
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputNames := make([]string, len(b.outputs))
	for i, info := range b.outputs {
		outputNames[i] = info.Name
	}
	dynamicOutputs := hasDynamicDims(outInfo)
	if !dynamicOutputs {
		for _, info := range b.outputs {
			t, err := newORTTensor(info)
			if err != nil {
				b.destroyTensors()
				return nil, fmt.Errorf("failed to create output tensor %s: %w", info.Name, err)
			}
			b.results = append(b.results, t)
		}
	}

	var sessionOpts *ort.SessionOptions
	if opts.IntraOpThreads > 0 {
		sessionOpts, err = ort.NewSessionOptions()
		if err != nil {
			b.destroyTensors()
			return nil, fmt.Errorf("failed to create session options: %w", err)
		}
		defer sessionOpts.Destroy()
		if err := sessionOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			b.destroyTensors()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	if dynamicOutputs {
		b.dynamic, err = ort.NewDynamicAdvancedSession(modelPath,
			[]string{b.inputs[0].Name}, outputNames, sessionOpts)
	} else {
		b.session, err = ort.NewAdvancedSession(modelPath,
			[]string{b.inputs[0].Name}, outputNames,
			[]ort.ArbitraryTensor{b.input}, b.results,
			sessionOpts)
	}
	if err != nil {
		b.destroyTensors()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return b, nil
}

func (b *onnxBackend) Inputs() []TensorInfo  { return b.inputs }
func (b *onnxBackend) Outputs() []TensorInfo { return b.outputs }

func (b *onnxBackend) Run(input Tensor) ([]Tensor, error) {
	if err := copyIntoORT(b.input, input); err != nil {
		return nil, err
	}
	if b.dynamic != nil {
		return b.runDynamic()
	}
	if err := b.session.Run(); err != nil {
		return nil, err
	}

	outs := make([]Tensor, len(b.results))
	for i, r := range b.results {
		outs[i] = copyFromORT(r, b.outputs[i])
	}
	return outs, nil
}

// runDynamic lets onnxruntime allocate every output at its produced shape.
// The tensors are copied out and destroyed before returning.
func (b *onnxBackend) runDynamic() ([]Tensor, error) {
	results := make([]ort.ArbitraryTensor, len(b.outputs))
	defer func() {
		for _, r := range results {
			if r != nil {
				r.Destroy()
			}
		}
	}()

	if err := b.dynamic.Run([]ort.ArbitraryTensor{b.input}, results); err != nil {
		return nil, err
	}

	outs := make([]Tensor, len(results))
	for i, r := range results {
		if r == nil {
			return nil, fmt.Errorf("output %s was not produced", b.outputs[i].Name)
		}
		outs[i] = copyFromORT(r, withShape(b.outputs[i], r.GetShape()))
	}
	return outs, nil
}

func (b *onnxBackend) Close() error {
	var err error
	if b.session != nil {
		err = b.session.Destroy()
		b.session = nil
	}
	if b.dynamic != nil {
		err = b.dynamic.Destroy()
		b.dynamic = nil
	}
	b.destroyTensors()
	return err
}

func (b *onnxBackend) destroyTensors() {
	if b.input != nil {
		b.input.Destroy()
		b.input = nil
	}
	for _, t := range b.results {
		t.Destroy()
	}
	b.results = nil
}

func elementTypeOf(t ort.TensorElementDataType) ElementType {
	switch t {
	case ort.TensorElementDataTypeUint8:
		return ElementUint8
	case ort.TensorElementDataTypeInt32:
		return ElementInt32
	case ort.TensorElementDataTypeInt64:
		return ElementInt64
	case ort.TensorElementDataTypeFloat:
		return ElementFloat32
	default:
		return ElementUnknown
	}
}

// resolveInputShape fills dynamic dims: batch 1, channels 3, spatial fallback.
func resolveInputShape(dims ort.Shape, fallback int) []int64 {
	shape := append([]int64(nil), dims...)
	channelsLast := len(shape) == 4 && shape[3] == 3
	for i, d := range shape {
		if d > 0 {
			continue
		}
		switch {
		case i == 0:
			shape[i] = 1
		case len(shape) == 4 && i == 1 && !channelsLast:
			shape[i] = 3
		default:
			shape[i] = int64(fallback)
		}
	}
	return shape
}

// hasDynamicDims reports whether any output declares a dynamic dimension.
func hasDynamicDims(infos []ort.InputOutputInfo) bool {
	for _, info := range infos {
		for _, d := range info.Dimensions {
			if d <= 0 {
				return true
			}
		}
	}
	return false
}

// withShape returns info with the shape a run actually produced.
func withShape(info TensorInfo, shape ort.Shape) TensorInfo {
	info.Shape = append([]int64(nil), shape...)
	return info
}

// resolveOutputShape fills dynamic dims: batch 1, everything else maxDetections.
func resolveOutputShape(dims ort.Shape, maxDetections int) []int64 {
	shape := append([]int64(nil), dims...)
	for i, d := range shape {
		if d > 0 {
			continue
		}
		if i == 0 {
			shape[i] = 1
		} else {
			shape[i] = int64(maxDetections)
		}
	}
	return shape
}

func newORTTensor(info TensorInfo) (ort.ArbitraryTensor, error) {
	shape := ort.NewShape(info.Shape...)
	switch info.Type {
	case ElementUint8:
		t, err := ort.NewEmptyTensor[uint8](shape)
		if err != nil {
			return nil, err
		}
		return t, nil
	case ElementInt32:
		t, err := ort.NewEmptyTensor[int32](shape)
		if err != nil {
			return nil, err
		}
		return t, nil
	case ElementInt64:
		t, err := ort.NewEmptyTensor[int64](shape)
		if err != nil {
			return nil, err
		}
		return t, nil
	case ElementFloat32:
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported element type for %s", info)
	}
}

func copyIntoORT(dst ort.ArbitraryTensor, src Tensor) error {
	var n int
	switch t := dst.(type) {
	case *ort.Tensor[uint8]:
		n = copy(t.GetData(), src.Uint8)
		if n != len(t.GetData()) {
			break
		}
		return nil
	case *ort.Tensor[float32]:
		n = copy(t.GetData(), src.Float32)
		if n != len(t.GetData()) {
			break
		}
		return nil
	default:
		return fmt.Errorf("unsupported input tensor %T", dst)
	}
	return fmt.Errorf("input has %d elements, model expects %v", n, dst.GetShape())
}

func copyFromORT(src ort.ArbitraryTensor, info TensorInfo) Tensor {
	out := Tensor{Info: info}
	switch t := src.(type) {
	case *ort.Tensor[uint8]:
		out.Uint8 = append([]uint8(nil), t.GetData()...)
	case *ort.Tensor[int32]:
		out.Int32 = append([]int32(nil), t.GetData()...)
	case *ort.Tensor[int64]:
		out.Int64 = append([]int64(nil), t.GetData()...)
	case *ort.Tensor[float32]:
		out.Float32 = append([]float32(nil), t.GetData()...)
	}
	return out
}

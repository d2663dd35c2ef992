package detector

import (
	"errors"
	"sync"
)

// fakeBackend returns canned outputs and records the last input it saw.
type fakeBackend struct {
	mu      sync.Mutex
	inputs  []TensorInfo
	outputs []TensorInfo
	results []Tensor
	runErr  error
	last    Tensor
	closed  bool
}

func (f *fakeBackend) Inputs() []TensorInfo  { return f.inputs }
func (f *fakeBackend) Outputs() []TensorInfo { return f.outputs }

func (f *fakeBackend) Run(input Tensor) ([]Tensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.last = Tensor{
		Info:    input.Info,
		Uint8:   append([]uint8(nil), input.Uint8...),
		Float32: append([]float32(nil), input.Float32...),
	}
	return f.results, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	return nil
}

// ssdOutputs is the common SSD post-processed output layout.
func ssdOutputs(boxType, scoreType, classType ElementType) []TensorInfo {
	return []TensorInfo{
		{Index: 0, Name: "detection_boxes", Shape: []int64{1, 10, 4}, Type: boxType},
		{Index: 1, Name: "detection_classes", Shape: []int64{1, 10}, Type: classType},
		{Index: 2, Name: "detection_scores", Shape: []int64{1, 10}, Type: scoreType},
		{Index: 3, Name: "num_detections", Shape: []int64{1}, Type: ElementFloat32},
	}
}

func floatInput(h, w int64) TensorInfo {
	return TensorInfo{Index: 0, Name: "image", Shape: []int64{1, h, w, 3}, Type: ElementFloat32}
}

func uint8Input(h, w int64) TensorInfo {
	return TensorInfo{Index: 0, Name: "image", Shape: []int64{1, h, w, 3}, Type: ElementUint8}
}

package model

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// ErrFeatureShape is returned when a backbone produces something other than
// one feature vector per input image.
var ErrFeatureShape = errors.New("model: unexpected feature shape")

// Backend is a compute backend that records operations on a gradient tape.
type Backend interface {
	tensor.Backend
	Tape() *autodiff.GradientTape
}

// Backbone maps a [N, 3, H, W] image batch to [N, D] features.
// Its parameters are frozen: they are never trained.
type Backbone[B Backend] interface {
	Features(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error)
	OutFeatures() int
	Parameters() []*nn.Parameter[B]
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(state map[string]*tensor.RawTensor) error
	Describe() map[string]string
}

// NoGrad runs fn with the tape paused so nothing it computes can receive
// gradients.
func NoGrad[B Backend](backend B, fn func()) {
	tape := backend.Tape()
	if tape.IsRecording() {
		tape.StopRecording()
		defer tape.StartRecording()
	}
	fn()
}

// flattenFeatures accepts [N, D] or [N, D, 1, 1] and returns [N, D].
func flattenFeatures[B Backend](backend B, raw *tensor.RawTensor, batch, dim int) (*tensor.RawTensor, error) {
	shape := raw.Shape()
	switch {
	case len(shape) == 2:
	case len(shape) == 4 && shape[2] == 1 && shape[3] == 1:
		raw = backend.Reshape(raw, tensor.Shape{shape[0], shape[1]})
		shape = raw.Shape()
	default:
		return nil, fmt.Errorf("%w: got %v, want [N, D] or [N, D, 1, 1]", ErrFeatureShape, shape)
	}
	if shape[0] != batch {
		return nil, fmt.Errorf("%w: batch %d, want %d", ErrFeatureShape, shape[0], batch)
	}
	if dim > 0 && shape[1] != dim {
		return nil, fmt.Errorf("%w: %d features, want %d", ErrFeatureShape, shape[1], dim)
	}
	return raw, nil
}

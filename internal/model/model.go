// Package model assembles a frozen feature extractor and a trainable linear
// classification head.
package model

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// State dict key prefixes.
const (
	backbonePrefix = "backbone."
	headPrefix     = "fc."
)

// Classifier is a frozen backbone followed by a linear head.
type Classifier[B Backend] struct {
	backbone Backbone[B]
	head     *nn.Linear[B]
	classes  int
	training bool
}

// Assemble attaches a freshly initialized head with numClasses outputs to
// backbone. Only the head's parameters are reported as trainable.
func Assemble[B Backend](backbone Backbone[B], numClasses int, backend B) (*Classifier[B], error) {
	if numClasses < 1 {
		return nil, fmt.Errorf("assemble: need at least one class, got %d", numClasses)
	}
	if backbone.OutFeatures() < 1 {
		return nil, fmt.Errorf("%w: backbone reports %d features", ErrFeatureShape, backbone.OutFeatures())
	}
	return &Classifier[B]{
		backbone: backbone,
		head:     nn.NewLinear(backbone.OutFeatures(), numClasses, backend),
		classes:  numClasses,
		training: true,
	}, nil
}

// Forward maps [N, 3, H, W] images to [N, classes] logits. Only the head is
// recorded on the tape.
func (c *Classifier[B]) Forward(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	feats, err := c.backbone.Features(x)
	if err != nil {
		return nil, err
	}
	return c.head.Forward(feats), nil
}

// Parameters returns the trainable parameters, which are those of the head.
func (c *Classifier[B]) Parameters() []*nn.Parameter[B] { return c.head.Parameters() }

// AllParameters returns the frozen backbone parameters followed by the head's.
func (c *Classifier[B]) AllParameters() []*nn.Parameter[B] {
	return append(append([]*nn.Parameter[B](nil), c.backbone.Parameters()...), c.head.Parameters()...)
}

// Train switches to training mode.
func (c *Classifier[B]) Train() { c.training = true }

// Eval switches to evaluation mode.
func (c *Classifier[B]) Eval() { c.training = false }

// Training reports the current mode.
func (c *Classifier[B]) Training() bool { return c.training }

func (c *Classifier[B]) Backbone() Backbone[B] { return c.backbone }

func (c *Classifier[B]) Head() *nn.Linear[B] { return c.head }

func (c *Classifier[B]) NumClasses() int { return c.classes }

// StateDict returns every tensor, backbone entries under "backbone." and head
// entries under "fc.".
func (c *Classifier[B]) StateDict() map[string]*tensor.RawTensor {
	state := map[string]*tensor.RawTensor{}
	for k, v := range c.backbone.StateDict() {
		state[backbonePrefix+k] = v
	}
	for k, v := range c.head.StateDict() {
		state[headPrefix+k] = v
	}
	return state
}

// LoadStateDict copies matching tensors into the backbone and head.
func (c *Classifier[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := c.backbone.LoadStateDict(withPrefix(state, backbonePrefix)); err != nil {
		return fmt.Errorf("load backbone: %w", err)
	}
	if err := c.head.LoadStateDict(withPrefix(state, headPrefix)); err != nil {
		return fmt.Errorf("load head: %w", err)
	}
	return nil
}

func withPrefix(state map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	out := map[string]*tensor.RawTensor{}
	for k, v := range state {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out[rest] = v
		}
	}
	return out
}

package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// ConvNet is a small native feature extractor: one 3x3 convolution, ReLU and
// 2x2 max pool per entry of channels, followed by global average pooling.
type ConvNet[B Backend] struct {
	convs    []*nn.Conv2D[B]
	pool     *nn.MaxPool2D[B]
	channels []int
	backend  B
}

// NewConvNet builds a randomly initialized stack taking RGB input.
func NewConvNet[B Backend](channels []int, backend B) (*ConvNet[B], error) {
	if len(channels) == 0 {
		return nil, errors.New("convnet: need at least one conv layer")
	}
	net := &ConvNet[B]{
		pool:     nn.NewMaxPool2D(2, 2, backend),
		channels: append([]int(nil), channels...),
		backend:  backend,
	}
	in := 3
	for i, out := range channels {
		if out <= 0 {
			return nil, fmt.Errorf("convnet: layer %d has %d channels", i, out)
		}
		net.convs = append(net.convs, nn.NewConv2D(in, out, 3, 3, 1, 1, true, backend))
		in = out
	}
	return net, nil
}

func (n *ConvNet[B]) Features(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != 3 {
		return nil, fmt.Errorf("%w: input %v, want [N, 3, H, W]", ErrFeatureShape, shape)
	}
	var out *tensor.RawTensor
	NoGrad(n.backend, func() {
		h := x
		for _, conv := range n.convs {
			h = nn.ReLUFunc(conv.Forward(h))
			if s := h.Shape(); s[2] >= 2 && s[3] >= 2 {
				h = n.pool.Forward(h)
			}
		}
		// global average pool over H then W
		out = n.backend.MeanDim(h.Raw(), 3, false)
		out = n.backend.MeanDim(out, 2, false)
	})
	return tensor.New[float32](out, n.backend), nil
}

func (n *ConvNet[B]) OutFeatures() int { return n.channels[len(n.channels)-1] }

func (n *ConvNet[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, conv := range n.convs {
		params = append(params, conv.Parameters()...)
	}
	return params
}

// Channels returns the output width of each conv layer.
func (n *ConvNet[B]) Channels() []int { return append([]int(nil), n.channels...) }

// StateDict names tensors conv<i>.weight and conv<i>.bias.
func (n *ConvNet[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, 2*len(n.convs))
	for i, conv := range n.convs {
		for _, p := range conv.Parameters() {
			state[convKey(i, p.Name())] = p.Tensor().Raw()
		}
	}
	return state
}

func (n *ConvNet[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	for i, conv := range n.convs {
		for _, p := range conv.Parameters() {
			key := convKey(i, p.Name())
			raw, ok := state[key]
			if !ok {
				return fmt.Errorf("convnet: missing %s in state dict", key)
			}
			if err := copyInto(p, raw); err != nil {
				return fmt.Errorf("convnet: %s: %w", key, err)
			}
		}
	}
	return nil
}

func (n *ConvNet[B]) Describe() map[string]string {
	widths := make([]string, len(n.channels))
	for i, c := range n.channels {
		widths[i] = strconv.Itoa(c)
	}
	return map[string]string{
		"kind":        "born",
		"channels":    strings.Join(widths, ","),
		"feature_dim": strconv.Itoa(n.OutFeatures()),
	}
}

// convKey maps a Conv2D parameter name such as "conv2d.weight" to its
// position in the stack.
func convKey(layer int, name string) string {
	suffix := name[strings.LastIndex(name, ".")+1:]
	return fmt.Sprintf("conv%d.%s", layer, suffix)
}

func copyInto[B Backend](p *nn.Parameter[B], raw *tensor.RawTensor) error {
	want := p.Tensor().Shape()
	if !raw.Shape().Equal(want) {
		return fmt.Errorf("shape %v, want %v", raw.Shape(), want)
	}
	if raw.DType() != tensor.Float32 {
		return fmt.Errorf("dtype %v, want float32", raw.DType())
	}
	copy(p.Tensor().Data(), raw.AsFloat32())
	return nil
}

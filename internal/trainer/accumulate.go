package trainer

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// Accumulator sums gradients across backward passes and decides when the
// optimizer steps. With every=2 it steps at batch indices 0, 2, 4, ... so the
// first step of an epoch carries only what was pending before it.
type Accumulator struct {
	every  int
	keys   []*tensor.RawTensor
	sum    map[*tensor.RawTensor]*tensor.RawTensor
	folded int
}

// NewAccumulator tracks gradients for the given parameter tensors only.
func NewAccumulator(every int, keys []*tensor.RawTensor) (*Accumulator, error) {
	if every < 1 {
		return nil, fmt.Errorf("accumulator: every must be >= 1 (got %d)", every)
	}
	return &Accumulator{
		every: every,
		keys:  keys,
		sum:   make(map[*tensor.RawTensor]*tensor.RawTensor, len(keys)),
	}, nil
}

// ShouldStep reports whether the optimizer steps after batch i of an epoch.
func (a *Accumulator) ShouldStep(i int) bool { return i%a.every == 0 }

// Add folds one backward pass into the pending sums. grads is copied, so the
// tape may be cleared afterwards.
func (a *Accumulator) Add(grads map[*tensor.RawTensor]*tensor.RawTensor) error {
	for _, key := range a.keys {
		g, ok := grads[key]
		if !ok || g == nil {
			continue
		}
		buf, ok := a.sum[key]
		if !ok {
			fresh, err := tensor.NewRaw(g.Shape(), g.DType(), g.Device())
			if err != nil {
				return fmt.Errorf("accumulator: %w", err)
			}
			copy(fresh.AsFloat32(), g.AsFloat32())
			a.sum[key] = fresh
			continue
		}
		dst, src := buf.AsFloat32(), g.AsFloat32()
		for i := range dst {
			dst[i] += src[i]
		}
	}
	a.folded++
	return nil
}

// Pending returns how many backward passes are folded into the current sums.
func (a *Accumulator) Pending() int { return a.folded }

// Take returns the summed gradients and starts a new accumulation window.
func (a *Accumulator) Take() map[*tensor.RawTensor]*tensor.RawTensor {
	out := a.sum
	a.sum = make(map[*tensor.RawTensor]*tensor.RawTensor, len(a.keys))
	a.folded = 0
	return out
}

// Discard drops pending gradients and returns how many passes were lost.
func (a *Accumulator) Discard() int {
	n := a.folded
	a.Take()
	return n
}

package model

import (
	"math"
	"math/rand"

	"github.com/born-ml/born/nn"
)

// Layer constructors draw from the process-wide generator; Reseed makes
// initial weights reproducible. Both layers use the usual default for
// linear and conv layers: kaiming-uniform with a=sqrt(5) for weights, which
// is U(-1/sqrt(fan_in), 1/sqrt(fan_in)), and the same range for biases.

// Reseed redraws the head weights and bias.
func (c *Classifier[B]) Reseed(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	bound := fanInBound(c.head.InFeatures())
	uniformFill(c.head.Weight(), bound, rng)
	uniformFill(c.head.Bias(), bound, rng)
}

// Reseed redraws every conv layer.
func (n *ConvNet[B]) Reseed(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for _, conv := range n.convs {
		k := conv.KernelSize()
		bound := fanInBound(conv.InChannels() * k[0] * k[1])
		for _, p := range conv.Parameters() {
			uniformFill(p, bound, rng)
		}
	}
}

func fanInBound(fanIn int) float64 {
	return 1 / math.Sqrt(float64(fanIn))
}

func uniformFill[B Backend](p *nn.Parameter[B], bound float64, rng *rand.Rand) {
	if p == nil {
		return
	}
	data := p.Tensor().Data()
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

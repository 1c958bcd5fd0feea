package trainer

import (
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawOf(t *testing.T, vals ...float32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(tensor.Shape{len(vals)}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat32(), vals)
	return r
}

func TestAccumulatorStepsOnEvenBatches(t *testing.T) {
	acc, err := NewAccumulator(2, nil)
	require.NoError(t, err)

	var three, four []int
	for i := 0; i < 3; i++ {
		if acc.ShouldStep(i) {
			three = append(three, i)
		}
	}
	for i := 0; i < 4; i++ {
		if acc.ShouldStep(i) {
			four = append(four, i)
		}
	}
	assert.Equal(t, []int{0, 2}, three)
	assert.Equal(t, []int{0, 2}, four)

	_, err = NewAccumulator(0, nil)
	require.Error(t, err)
}

func TestAccumulatorSumsBetweenSteps(t *testing.T) {
	w := rawOf(t, 0, 0)
	other := rawOf(t, 0)
	acc, err := NewAccumulator(2, []*tensor.RawTensor{w})
	require.NoError(t, err)

	// A four-batch epoch: batch 1 folds into the step at batch 2 and batch 3
	// is left pending.
	var applied [][]float32
	for i, g := range [][]float32{{1, 1}, {2, 3}, {10, 20}, {5, 5}} {
		grad := rawOf(t, g...)
		require.NoError(t, acc.Add(map[*tensor.RawTensor]*tensor.RawTensor{w: grad, other: rawOf(t, 9)}))
		grad.AsFloat32()[0] = -100 // later writes must not leak into the sum
		if acc.ShouldStep(i) {
			sum := acc.Take()
			assert.NotContains(t, sum, other)
			applied = append(applied, sum[w].AsFloat32())
		}
	}
	assert.Equal(t, [][]float32{{1, 1}, {12, 23}}, applied)
	assert.Equal(t, 1, acc.Pending())
	assert.Equal(t, 1, acc.Discard())
	assert.Zero(t, acc.Pending())
	assert.Empty(t, acc.Take())
}

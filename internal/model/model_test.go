package model

import (
	"math"
	"path/filepath"
	"sort"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func newBackend() testBackend { return autodiff.New(cpu.New()) }

func images(t *testing.T, backend testBackend, n, size int) *tensor.Tensor[float32, testBackend] {
	t.Helper()
	data := make([]float32, n*3*size*size)
	for i := range data {
		data[i] = float32(i%17)/17 - 0.5
	}
	x, err := tensor.FromSlice(data, tensor.Shape{n, 3, size, size}, backend)
	require.NoError(t, err)
	return x
}

func TestConvNetFeatures(t *testing.T) {
	backend := newBackend()
	net, err := NewConvNet([]int{4, 6}, backend)
	require.NoError(t, err)

	feats, err := net.Features(images(t, backend, 2, 8))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 6}, feats.Shape())
	assert.Equal(t, 6, net.OutFeatures())
	assert.Len(t, net.Parameters(), 4)

	_, err = net.Features(tensor.Zeros[float32](tensor.Shape{2, 1, 8, 8}, backend))
	require.ErrorIs(t, err, ErrFeatureShape)

	_, err = NewConvNet[testBackend](nil, backend)
	require.Error(t, err)
}

func TestClassifierTrainsOnlyTheHead(t *testing.T) {
	backend := newBackend()
	net, err := NewConvNet([]int{4}, backend)
	require.NoError(t, err)
	cls, err := Assemble[testBackend](net, 3, backend)
	require.NoError(t, err)

	assert.Len(t, cls.Parameters(), 2, "head weight and bias")
	assert.Len(t, cls.AllParameters(), 4)
	for _, p := range cls.Parameters() {
		for _, frozen := range net.Parameters() {
			assert.NotSame(t, frozen, p)
		}
	}
	assert.Equal(t, tensor.Shape{3, 4}, cls.Head().Weight().Tensor().Shape())

	backend.Tape().StartRecording()
	logits, err := cls.Forward(images(t, backend, 5, 6))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{5, 3}, logits.Shape())
	assert.True(t, backend.Tape().IsRecording(), "forward restores recording")

	assert.True(t, cls.Training())
	cls.Eval()
	assert.False(t, cls.Training())
	cls.Train()
	assert.True(t, cls.Training())
}

func TestAssembleRejectsEmptyHead(t *testing.T) {
	backend := newBackend()
	net, err := NewConvNet([]int{2}, backend)
	require.NoError(t, err)
	_, err = Assemble[testBackend](net, 0, backend)
	require.Error(t, err)
}

func TestStateDictKeys(t *testing.T) {
	backend := newBackend()
	net, err := NewConvNet([]int{2, 3}, backend)
	require.NoError(t, err)
	cls, err := Assemble[testBackend](net, 2, backend)
	require.NoError(t, err)

	var keys []string
	for k := range cls.StateDict() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{
		"backbone.conv0.bias", "backbone.conv0.weight",
		"backbone.conv1.bias", "backbone.conv1.weight",
		"fc.bias", "fc.weight",
	}, keys)
}

func TestFlattenFeatures(t *testing.T) {
	backend := newBackend()
	raw := tensor.Zeros[float32](tensor.Shape{2, 5, 1, 1}, backend).Raw()
	out, err := flattenFeatures(backend, raw, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 5}, out.Shape())

	_, err = flattenFeatures(backend, raw, 3, 5)
	require.ErrorIs(t, err, ErrFeatureShape)

	spatial := tensor.Zeros[float32](tensor.Shape{2, 5, 2, 2}, backend).Raw()
	_, err = flattenFeatures(backend, spatial, 2, 0)
	require.ErrorIs(t, err, ErrFeatureShape)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	backend := newBackend()
	net, err := NewConvNet([]int{3}, backend)
	require.NoError(t, err)
	cls, err := Assemble[testBackend](net, 2, backend)
	require.NoError(t, err)

	meta := Metadata{
		RunID:     "run-1",
		Classes:   []string{"cat", "dog"},
		ImageSize: 6,
		Mean:      []float64{0.485, 0.456, 0.406},
		Std:       []float64{0.229, 0.224, 0.225},
		Backbone:  DescribeSpec[testBackend](BackboneSpec{Kind: KindBorn}, net),
		Epochs:    3,
	}
	path := filepath.Join(t.TempDir(), "out", "model.born")
	require.NoError(t, Save(path, cls, meta))

	got, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
	assert.Equal(t, []int{3}, got.Backbone.Channels)
	assert.Equal(t, 3, got.Backbone.FeatureDim)

	other := newBackend()
	loaded, loadedMeta, err := Load(path, other)
	require.NoError(t, err)
	assert.Equal(t, meta, loadedMeta)

	want, err := cls.Forward(images(t, backend, 2, 6))
	require.NoError(t, err)
	have, err := loaded.Forward(images(t, other, 2, 6))
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data(), have.Data(), 1e-6)
}

func TestOpenBackboneReusesSavedWeights(t *testing.T) {
	backend := newBackend()
	net, err := NewConvNet([]int{2}, backend)
	require.NoError(t, err)
	cls, err := Assemble[testBackend](net, 2, backend)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, Save(path, cls, Metadata{Classes: []string{"a", "b"}, ImageSize: 4,
		Backbone: BackboneSpec{Kind: KindBorn, Channels: []int{2}}}))

	reopened, err := OpenBackbone(BackboneSpec{Kind: KindBorn, Path: path, Channels: []int{2}}, 4, newBackend())
	require.NoError(t, err)
	for i, p := range reopened.Parameters() {
		assert.Equal(t, net.Parameters()[i].Tensor().Data(), p.Tensor().Data())
	}

	_, err = OpenBackbone(BackboneSpec{Kind: "resnet"}, 4, newBackend())
	require.Error(t, err)
	_, err = OpenBackbone(BackboneSpec{Kind: KindONNX, Path: filepath.Join(t.TempDir(), "missing.onnx")}, 4, newBackend())
	require.Error(t, err)
}

func TestReseedIsDeterministic(t *testing.T) {
	build := func() *Classifier[testBackend] {
		backend := newBackend()
		net, err := NewConvNet([]int{3}, backend)
		require.NoError(t, err)
		net.Reseed(7)
		cls, err := Assemble[testBackend](net, 2, backend)
		require.NoError(t, err)
		cls.Reseed(8)
		return cls
	}
	a, b := build(), build()
	for i, p := range a.AllParameters() {
		assert.Equal(t, p.Tensor().Data(), b.AllParameters()[i].Tensor().Data())
	}
	// fan-in of the head is 3, so both tensors stay within 1/sqrt(3)
	bound := float32(1 / math.Sqrt(3))
	nonZero := false
	for _, p := range a.Parameters() {
		for _, v := range p.Tensor().Data() {
			assert.LessOrEqual(t, v, bound)
			assert.GreaterOrEqual(t, v, -bound)
			nonZero = nonZero || v != 0
		}
	}
	assert.True(t, nonZero)
	assert.NotEqual(t, make([]float32, 2), a.Head().Bias().Tensor().Data(), "bias is drawn, not zeroed")
}

package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

const onnxFloat = 1

// flattenGraph encodes a one-node ONNX model: Y = Flatten(X) for X of shape
// [batch, 3, size, size].
func flattenGraph(size int) []byte {
	msg := func(fields ...[]byte) []byte {
		var b []byte
		for _, f := range fields {
			b = append(b, f...)
		}
		return b
	}
	str := func(num protowire.Number, s string) []byte {
		b := protowire.AppendTag(nil, num, protowire.BytesType)
		return protowire.AppendString(b, s)
	}
	sub := func(num protowire.Number, body []byte) []byte {
		b := protowire.AppendTag(nil, num, protowire.BytesType)
		return protowire.AppendBytes(b, body)
	}
	varint := func(num protowire.Number, v uint64) []byte {
		b := protowire.AppendTag(nil, num, protowire.VarintType)
		return protowire.AppendVarint(b, v)
	}
	valueInfo := func(name string, dims ...int) []byte {
		var shape []byte
		for _, d := range dims {
			if d > 0 {
				shape = append(shape, sub(1, varint(1, uint64(d)))...)
			} else {
				shape = append(shape, sub(1, str(2, "batch"))...)
			}
		}
		tensorType := msg(varint(1, onnxFloat), sub(2, shape))
		return msg(str(1, name), sub(2, sub(1, tensorType)))
	}

	node := msg(str(1, "X"), str(2, "Y"), str(3, "flatten"), str(4, "Flatten"))
	graph := msg(
		sub(1, node),
		str(2, "features"),
		sub(11, valueInfo("X", -1, 3, size, size)),
		sub(12, valueInfo("Y", -1, 3*size*size)),
	)
	return msg(
		varint(1, 7),
		str(2, "warmup-test"),
		sub(8, msg(str(1, ""), varint(2, 13))),
		sub(7, graph),
	)
}

func writeGraph(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "features.onnx")
	require.NoError(t, os.WriteFile(path, flattenGraph(size), 0o644))
	return path
}

func TestONNXBackboneInfersFeatureDim(t *testing.T) {
	backend := newBackend()
	b, err := LoadONNX(writeGraph(t, 4), backend, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, 48, b.OutFeatures())
	assert.Empty(t, b.Parameters())
	assert.Len(t, b.Digest(), 64)

	feats, err := b.Features(images(t, backend, 2, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 48}, []int(feats.Shape()))
}

func TestSaveLoadEmbedsONNXGraph(t *testing.T) {
	backend := newBackend()
	graphPath := writeGraph(t, 4)
	spec := BackboneSpec{Kind: KindONNX, Path: graphPath}
	backbone, err := OpenBackbone(spec, 4, backend)
	require.NoError(t, err)
	cls, err := Assemble(backbone, 3, backend)
	require.NoError(t, err)
	cls.Reseed(5)

	meta := Metadata{
		Classes:   []string{"a", "b", "c"},
		ImageSize: 4,
		Backbone:  DescribeSpec(spec, backbone),
	}
	path := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, Save(path, cls, meta))

	// the saved model must not need the original graph file
	require.NoError(t, os.Remove(graphPath))

	other := newBackend()
	loaded, got, err := Load(path, other)
	require.NoError(t, err)
	assert.Equal(t, meta.Backbone.SHA256, got.Backbone.SHA256)

	want, err := cls.Forward(images(t, backend, 2, 4))
	require.NoError(t, err)
	have, err := loaded.Forward(images(t, other, 2, 4))
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data(), have.Data(), 1e-6)
}

func TestONNXDigestMismatch(t *testing.T) {
	graphPath := writeGraph(t, 4)
	_, err := OpenBackbone(BackboneSpec{Kind: KindONNX, Path: graphPath, SHA256: "00"}, 4, newBackend())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changed")
}

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/onnx"
	"github.com/born-ml/born/tensor"
)

// graphKey holds the serialized graph in a backbone state dict.
const graphKey = "onnx.graph"

// ONNXBackbone runs a headless network exported to ONNX. The graph must have
// one input and one output holding the pooled features.
type ONNXBackbone[B Backend] struct {
	graph   onnx.Model
	data    []byte
	path    string
	digest  string
	dim     int
	backend B
}

// LoadONNX imports the graph at path. When featureDim is 0 it is inferred from
// one blank image of imageSize.
func LoadONNX[B Backend](path string, backend B, featureDim, imageSize int) (*ONNXBackbone[B], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open backbone: %w", err)
	}
	return LoadONNXBytes(data, path, backend, featureDim, imageSize)
}

// LoadONNXBytes imports a serialized graph. path only labels the backbone.
func LoadONNXBytes[B Backend](data []byte, path string, backend B, featureDim, imageSize int) (*ONNXBackbone[B], error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	graph, err := onnx.LoadFromBytes(data, backend)
	if err != nil {
		return nil, fmt.Errorf("load onnx backbone %s: %w", path, err)
	}
	if in, out := len(graph.InputNames()), len(graph.OutputNames()); in != 1 || out != 1 {
		return nil, fmt.Errorf("onnx backbone %s: want 1 input and 1 output, got %d and %d", path, in, out)
	}
	b := &ONNXBackbone[B]{graph: graph, data: data, path: path, digest: digest, dim: featureDim, backend: backend}
	if b.dim == 0 {
		blank := tensor.Zeros[float32](tensor.Shape{1, 3, imageSize, imageSize}, backend)
		feats, err := b.Features(blank)
		if err != nil {
			return nil, fmt.Errorf("infer onnx feature width %s: %w", path, err)
		}
		b.dim = feats.Shape()[1]
	}
	return b, nil
}

func (b *ONNXBackbone[B]) Features(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	var (
		out *tensor.RawTensor
		err error
	)
	NoGrad(b.backend, func() {
		out, err = b.graph.Forward(x.Raw())
		if err == nil {
			out, err = flattenFeatures(b.backend, out, x.Shape()[0], b.dim)
		}
	})
	if err != nil {
		return nil, err
	}
	return tensor.New[float32](out, b.backend), nil
}

func (b *ONNXBackbone[B]) OutFeatures() int { return b.dim }

// Parameters is empty: the weights live inside the graph.
func (b *ONNXBackbone[B]) Parameters() []*nn.Parameter[B] { return nil }

// StateDict carries the whole serialized graph as one uint8 tensor so a saved
// model does not depend on the original file.
func (b *ONNXBackbone[B]) StateDict() map[string]*tensor.RawTensor {
	raw, err := tensor.NewRaw(tensor.Shape{len(b.data)}, tensor.Uint8, tensor.CPU)
	if err != nil {
		return map[string]*tensor.RawTensor{}
	}
	copy(raw.Data(), b.data)
	return map[string]*tensor.RawTensor{graphKey: raw}
}

// LoadStateDict only checks that a stored graph is the one already loaded.
func (b *ONNXBackbone[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	raw, ok := state[graphKey]
	if !ok {
		return nil
	}
	if d := graphDigest(raw); d != b.digest {
		return fmt.Errorf("onnx graph sha256 %s, loaded %s", d, b.digest)
	}
	return nil
}

func (b *ONNXBackbone[B]) Describe() map[string]string {
	d := map[string]string{
		"kind":        "onnx",
		"path":        b.path,
		"sha256":      b.digest,
		"feature_dim": strconv.Itoa(b.dim),
		"opset":       strconv.FormatInt(b.graph.OpsetVersion(), 10),
		"input":       b.graph.InputNames()[0],
		"output":      b.graph.OutputNames()[0],
	}
	if p, ok := b.graph.Metadata()["producer_name"]; ok {
		d["producer"] = p
	}
	return d
}

// Digest returns the hex sha256 of the graph file.
func (b *ONNXBackbone[B]) Digest() string { return b.digest }

func graphBytes(raw *tensor.RawTensor) []byte {
	return raw.Data()[:raw.ByteSize()]
}

func graphDigest(raw *tensor.RawTensor) string {
	sum := sha256.Sum256(graphBytes(raw))
	return hex.EncodeToString(sum[:])
}

package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

const (
	modelType       = "warmup.Classifier"
	architectureKey = "architecture"
)

// Backbone kinds.
const (
	KindONNX = "onnx"
	KindBorn = "born"
)

// BackboneSpec describes how to rebuild a backbone.
type BackboneSpec struct {
	Kind       string `json:"kind"`
	Path       string `json:"path,omitempty"`
	Channels   []int  `json:"channels,omitempty"`
	FeatureDim int    `json:"feature_dim,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
	// Seed initializes a born backbone that has no weights file.
	Seed       int64  `json:"-"`
}

// Metadata is the architecture record stored next to the weights.
type Metadata struct {
	RunID     string       `json:"run_id"`
	Classes   []string     `json:"classes"`
	ImageSize int          `json:"image_size"`
	Mean      []float64    `json:"mean"`
	Std       []float64    `json:"std"`
	Backbone  BackboneSpec `json:"backbone"`
	Epochs    int          `json:"epochs"`
}

// OpenBackbone builds the backbone described by spec.
func OpenBackbone[B Backend](spec BackboneSpec, imageSize int, backend B) (Backbone[B], error) {
	switch spec.Kind {
	case KindONNX:
		b, err := LoadONNX(spec.Path, backend, spec.FeatureDim, imageSize)
		if err != nil {
			return nil, err
		}
		if spec.SHA256 != "" && spec.SHA256 != b.Digest() {
			return nil, fmt.Errorf("onnx backbone %s changed: sha256 %s, recorded %s", spec.Path, b.Digest(), spec.SHA256)
		}
		return b, nil
	case KindBorn:
		net, err := NewConvNet(spec.Channels, backend)
		if err != nil {
			return nil, err
		}
		if spec.Path == "" {
			net.Reseed(spec.Seed)
			return net, nil
		}
		state, _, err := readBorn(spec.Path, backend)
		if err != nil {
			return nil, err
		}
		// accept both bare backbone files and saved classifiers
		if sub := withPrefix(state, backbonePrefix); len(sub) > 0 {
			state = sub
		}
		if err := net.LoadStateDict(state); err != nil {
			return nil, fmt.Errorf("load backbone weights %s: %w", spec.Path, err)
		}
		return net, nil
	default:
		return nil, fmt.Errorf("unknown backbone kind %q", spec.Kind)
	}
}

// DescribeSpec fills the parts of spec only known once the backbone is open.
func DescribeSpec[B Backend](spec BackboneSpec, b Backbone[B]) BackboneSpec {
	spec.FeatureDim = b.OutFeatures()
	if o, ok := b.(*ONNXBackbone[B]); ok {
		spec.SHA256 = o.Digest()
	}
	if n, ok := b.(*ConvNet[B]); ok {
		spec.Channels = n.Channels()
	}
	return spec
}

// Save writes the classifier weights and meta to path, creating parent
// directories and replacing any existing file.
func Save[B Backend](path string, cls *Classifier[B], meta Metadata) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	arch, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	md := map[string]string{
		architectureKey: string(arch),
		"run_id":        meta.RunID,
		"backbone":      meta.Backbone.Kind,
	}
	if err := nn.Save[B](&stateModule[B]{state: cls.StateDict()}, path, modelType, md); err != nil {
		return fmt.Errorf("save model %s: %w", path, err)
	}
	return nil
}

// ReadMetadata returns the architecture record of a saved model.
func ReadMetadata(path string) (Metadata, error) {
	_, md, err := readBorn(path, cpu.New())
	if err != nil {
		return Metadata{}, err
	}
	return decodeMetadata(path, md)
}

// Load rebuilds a saved classifier on backend.
func Load[B Backend](path string, backend B) (*Classifier[B], Metadata, error) {
	state, md, err := readBorn(path, backend)
	if err != nil {
		return nil, Metadata{}, err
	}
	meta, err := decodeMetadata(path, md)
	if err != nil {
		return nil, Metadata{}, err
	}
	backbone, err := openSaved(meta.Backbone, meta.ImageSize, state, backend)
	if err != nil {
		return nil, Metadata{}, err
	}
	cls, err := Assemble(backbone, len(meta.Classes), backend)
	if err != nil {
		return nil, Metadata{}, err
	}
	if err := cls.LoadStateDict(state); err != nil {
		return nil, Metadata{}, fmt.Errorf("load model %s: %w", path, err)
	}
	return cls, meta, nil
}

// openSaved rebuilds the backbone from the saved file itself: ONNX graphs are
// stored whole and born weights are loaded by LoadStateDict afterwards.
func openSaved[B Backend](spec BackboneSpec, imageSize int, state map[string]*tensor.RawTensor, backend B) (Backbone[B], error) {
	switch spec.Kind {
	case KindONNX:
		raw, ok := state[backbonePrefix+graphKey]
		if !ok {
			// written before graphs were embedded; fall back to the recorded path
			return OpenBackbone(spec, imageSize, backend)
		}
		b, err := LoadONNXBytes(graphBytes(raw), spec.Path, backend, spec.FeatureDim, imageSize)
		if err != nil {
			return nil, err
		}
		if spec.SHA256 != "" && spec.SHA256 != b.Digest() {
			return nil, fmt.Errorf("embedded onnx graph sha256 %s, recorded %s", b.Digest(), spec.SHA256)
		}
		return b, nil
	case KindBorn:
		spec.Path = ""
		return OpenBackbone(spec, imageSize, backend)
	default:
		return nil, fmt.Errorf("unknown backbone kind %q", spec.Kind)
	}
}

func decodeMetadata(path string, md map[string]string) (Metadata, error) {
	arch, ok := md[architectureKey]
	if !ok {
		return Metadata{}, fmt.Errorf("%s: no architecture metadata", path)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(arch), &meta); err != nil {
		return Metadata{}, fmt.Errorf("%s: decode metadata: %w", path, err)
	}
	return meta, nil
}

func readBorn[B tensor.Backend](path string, backend B) (map[string]*tensor.RawTensor, map[string]string, error) {
	sm := &stateModule[B]{}
	header, err := nn.Load[B](path, backend, sm)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return sm.state, header.Metadata, nil
}

// stateModule carries a bare state dict through nn.Save and nn.Load.
type stateModule[B tensor.Backend] struct {
	state map[string]*tensor.RawTensor
}

func (m *stateModule[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] { return x }

func (m *stateModule[B]) Parameters() []*nn.Parameter[B] { return nil }

func (m *stateModule[B]) StateDict() map[string]*tensor.RawTensor { return m.state }

func (m *stateModule[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	m.state = state
	return nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Device selectors.
const (
	DeviceAuto   = "auto"
	DeviceCPU    = "cpu"
	DeviceWebGPU = "webgpu"
)

// Trailing gradient policies applied when an epoch ends between optimizer steps.
const (
	TrailingCarry = "carry"
	TrailingFlush = "flush"
	TrailingDrop  = "drop"
)

// Loss normalization modes.
const (
	StepsDataset  = "dataset"
	StepsIterated = "iterated"
)

// Backbone kinds.
const (
	BackboneONNX = "onnx"
	BackboneBorn = "born"
)

// Config captures the runtime knobs for a warmup run.
type Config struct {
	TrainDir string `yaml:"train_dir"`
	ValDir   string `yaml:"val_dir"`

	ImageSize int       `yaml:"image_size"`
	Mean      []float64 `yaml:"mean"`
	Std       []float64 `yaml:"std"`

	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	Epochs       int     `yaml:"epochs"`
	Device       string  `yaml:"device"`
	Seed         int64   `yaml:"seed"`
	NumWorkers   int     `yaml:"num_workers"`
	ShuffleTrain bool    `yaml:"shuffle_train"`
	LogEvery     int     `yaml:"log_every"`

	AccumulationSteps int    `yaml:"accumulation_steps"`
	TrailingGradients string `yaml:"trailing_gradients"`
	LossSteps         string `yaml:"loss_steps"`

	Backbone Backbone `yaml:"backbone"`

	PlotPath  string `yaml:"plot_path"`
	ModelPath string `yaml:"model_path"`
	HistoryDB string `yaml:"history_db"`
}

// Backbone describes where the pretrained feature extractor comes from.
type Backbone struct {
	Kind string `yaml:"kind"`
	// Path is required for onnx. A born backbone without one is initialized
	// from the run seed.
	Path string `yaml:"path"`
	// FeatureDim is inferred from the model when zero.
	FeatureDim int `yaml:"feature_dim"`
	// Channels lists the conv widths of a native born backbone.
	Channels []int `yaml:"channels"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainDir     string
	ValDir       string
	Epochs       int
	BatchSize    int
	LearningRate float64
	Device       string
	Seed         int64
	// SeedSet makes a zero Seed win.
	SeedSet      bool
	NumWorkers   int
	LogEvery     int
	PlotPath     string
	ModelPath    string
	HistoryDB    string
}

// Default returns the stock feature-extraction settings.
func Default() Config {
	return Config{
		TrainDir:          "dataset/train",
		ValDir:            "dataset/val",
		ImageSize:         224,
		Mean:              []float64{0.485, 0.456, 0.406},
		Std:               []float64{0.229, 0.224, 0.225},
		BatchSize:         256,
		LearningRate:      0.001,
		Epochs:            20,
		Device:            DeviceAuto,
		Seed:              42,
		NumWorkers:        4,
		ShuffleTrain:      true,
		LogEvery:          10,
		AccumulationSteps: 2,
		TrailingGradients: TrailingCarry,
		LossSteps:         StepsDataset,
		Backbone: Backbone{
			Kind: BackboneONNX,
			Path: "models/resnet50_features.onnx",
		},
		PlotPath:  "output/warmup.png",
		ModelPath: "output/warmup_model.born",
	}
}

// Load reads a YAML file layered over Default and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that layer more overrides on
// top before validating.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyOverrides returns a copy of c updated with any non-zero override.
func (c Config) ApplyOverrides(o Overrides) Config {
	if o.TrainDir != "" {
		c.TrainDir = o.TrainDir
	}
	if o.ValDir != "" {
		c.ValDir = o.ValDir
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Seed != 0 || o.SeedSet {
		c.Seed = o.Seed
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.PlotPath != "" {
		c.PlotPath = o.PlotPath
	}
	if o.ModelPath != "" {
		c.ModelPath = o.ModelPath
	}
	if o.HistoryDB != "" {
		c.HistoryDB = o.HistoryDB
	}
	return c
}

// ApplyEnv returns a copy of c updated from WARMUP_* variables found by lookup.
// Pass os.LookupEnv in production.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) (Config, error) {
	if v, ok := lookup("WARMUP_TRAIN_DIR"); ok && v != "" {
		c.TrainDir = v
	}
	if v, ok := lookup("WARMUP_VAL_DIR"); ok && v != "" {
		c.ValDir = v
	}
	if v, ok := lookup("WARMUP_DEVICE"); ok && v != "" {
		c.Device = v
	}
	if v, ok := lookup("WARMUP_EPOCHS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("WARMUP_EPOCHS: %w", err)
		}
		c.Epochs = n
	}
	if v, ok := lookup("WARMUP_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("WARMUP_BATCH_SIZE: %w", err)
		}
		c.BatchSize = n
	}
	if v, ok := lookup("WARMUP_LR"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return c, fmt.Errorf("WARMUP_LR: %w", err)
		}
		c.LearningRate = f
	}
	return c, nil
}

// Validate verifies the config is runnable.
func (c Config) Validate() error {
	if c.TrainDir == "" || c.ValDir == "" {
		return fmt.Errorf("%w: train_dir and val_dir must be set", ErrInvalid)
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("%w: image_size must be > 0 (got %d)", ErrInvalid, c.ImageSize)
	}
	if len(c.Mean) != 3 || len(c.Std) != 3 {
		return fmt.Errorf("%w: mean and std need 3 channels (got %d, %d)", ErrInvalid, len(c.Mean), len(c.Std))
	}
	for i, s := range c.Std {
		if s <= 0 {
			return fmt.Errorf("%w: std[%d] must be > 0 (got %g)", ErrInvalid, i, s)
		}
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be > 0 (got %d)", ErrInvalid, c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be > 0 (got %g)", ErrInvalid, c.LearningRate)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("%w: epochs must be > 0 (got %d)", ErrInvalid, c.Epochs)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("%w: num_workers must be > 0 (got %d)", ErrInvalid, c.NumWorkers)
	}
	if c.LogEvery < 0 {
		return fmt.Errorf("%w: log_every must be >= 0 (got %d)", ErrInvalid, c.LogEvery)
	}
	if c.AccumulationSteps < 1 {
		return fmt.Errorf("%w: accumulation_steps must be >= 1 (got %d)", ErrInvalid, c.AccumulationSteps)
	}
	switch c.Device {
	case DeviceAuto, DeviceCPU, DeviceWebGPU:
	default:
		return fmt.Errorf("%w: unknown device %q", ErrInvalid, c.Device)
	}
	switch c.TrailingGradients {
	case TrailingCarry, TrailingFlush, TrailingDrop:
	default:
		return fmt.Errorf("%w: unknown trailing_gradients %q", ErrInvalid, c.TrailingGradients)
	}
	switch c.LossSteps {
	case StepsDataset, StepsIterated:
	default:
		return fmt.Errorf("%w: unknown loss_steps %q", ErrInvalid, c.LossSteps)
	}
	switch c.Backbone.Kind {
	case BackboneONNX:
		if c.Backbone.Path == "" {
			return fmt.Errorf("%w: onnx backbone needs a path", ErrInvalid)
		}
	case BackboneBorn:
		if len(c.Backbone.Channels) == 0 {
			return fmt.Errorf("%w: born backbone needs channels", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backbone kind %q", ErrInvalid, c.Backbone.Kind)
	}
	if c.PlotPath == "" || c.ModelPath == "" {
		return fmt.Errorf("%w: plot_path and model_path must be set", ErrInvalid)
	}
	return nil
}

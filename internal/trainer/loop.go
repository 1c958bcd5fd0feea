package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"go.uber.org/zap"

	"warmup-forge/internal/dataset"
	"warmup-forge/internal/metrics"
	"warmup-forge/internal/model"
)

// Backend is an autodiff backend that can compute a cross-entropy loss.
type Backend interface {
	model.Backend
	CrossEntropy(logits, targets *tensor.RawTensor) *tensor.RawTensor
}

// Model is the network under training. Parameters returns only what the
// optimizer may update.
type Model[B Backend] interface {
	Forward(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error)
	Parameters() []*nn.Parameter[B]
	Train()
	Eval()
}

// BatchSource yields an epoch of batches in order.
type BatchSource interface {
	ForEach(ctx context.Context, epoch int, fn func(dataset.Batch) error) error
	Len() int
	Steps() int
}

// EpochObserver is notified after every completed epoch.
type EpochObserver interface {
	ObserveEpoch(stats metrics.EpochStats) error
}

// ObserverFunc adapts a function to EpochObserver.
type ObserverFunc func(metrics.EpochStats) error

func (f ObserverFunc) ObserveEpoch(s metrics.EpochStats) error { return f(s) }

// Observers fans an epoch out to each observer in order, stopping at the
// first error.
type Observers []EpochObserver

func (o Observers) ObserveEpoch(s metrics.EpochStats) error {
	for _, obs := range o {
		if obs == nil {
			continue
		}
		if err := obs.ObserveEpoch(s); err != nil {
			return err
		}
	}
	return nil
}

// TrailingPolicy decides what happens to gradients still pending when an
// epoch ends between optimizer steps.
type TrailingPolicy string

const (
	// TrailingCarry folds pending gradients into the next epoch's first step.
	// Whatever is pending after the last epoch is discarded.
	TrailingCarry TrailingPolicy = "carry"
	// TrailingFlush applies pending gradients at the end of the epoch.
	TrailingFlush TrailingPolicy = "flush"
	// TrailingDrop discards pending gradients at the end of the epoch.
	TrailingDrop TrailingPolicy = "drop"
)

// LossSteps selects the divisor used to average the per-batch losses.
type LossSteps string

const (
	// StepsDataset divides by len(dataset)/batch_size, falling back to the
	// iterated batch count when that is zero.
	StepsDataset LossSteps = "dataset"
	// StepsIterated divides by the number of batches actually seen.
	StepsIterated LossSteps = "iterated"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Epochs            int
	AccumulationSteps int
	Trailing          TrailingPolicy
	LossSteps         LossSteps
	LogEvery          int
	Logger            *zap.Logger
	Observer          EpochObserver
}

func (c RunConfig) validate() error {
	if c.Epochs <= 0 {
		return errors.New("trainer: epochs must be > 0")
	}
	if c.AccumulationSteps < 1 {
		return errors.New("trainer: accumulation steps must be >= 1")
	}
	switch c.Trailing {
	case TrailingCarry, TrailingFlush, TrailingDrop:
	default:
		return fmt.Errorf("trainer: unknown trailing gradient policy %q", c.Trailing)
	}
	switch c.LossSteps {
	case StepsDataset, StepsIterated:
	default:
		return fmt.Errorf("trainer: unknown loss steps %q", c.LossSteps)
	}
	return nil
}

// Trainer runs the epoch loop for one model.
type Trainer[B Backend] struct {
	cfg     RunConfig
	backend B
	model   Model[B]
	opt     optim.Optimizer
	acc     *Accumulator
	phase   Phase
	log     *zap.Logger
}

// New validates cfg and prepares a trainer. opt must have been built over
// m.Parameters().
func New[B Backend](cfg RunConfig, backend B, m Model[B], opt optim.Optimizer) (*Trainer[B], error) {
	if cfg.Trailing == "" {
		cfg.Trailing = TrailingCarry
	}
	if cfg.LossSteps == "" {
		cfg.LossSteps = StepsDataset
	}
	if cfg.AccumulationSteps == 0 {
		cfg.AccumulationSteps = 2
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	keys := make([]*tensor.RawTensor, 0)
	for _, p := range m.Parameters() {
		keys = append(keys, p.Tensor().Raw())
	}
	acc, err := NewAccumulator(cfg.AccumulationSteps, keys)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Trainer[B]{cfg: cfg, backend: backend, model: m, opt: opt, acc: acc, log: log}, nil
}

// Run is shorthand for New followed by Trainer.Run.
func Run[B Backend](ctx context.Context, cfg RunConfig, backend B, m Model[B], opt optim.Optimizer, train, val BatchSource) (*metrics.History, error) {
	t, err := New(cfg, backend, m, opt)
	if err != nil {
		return nil, err
	}
	return t.Run(ctx, train, val)
}

// Phase returns where the trainer is in its lifecycle.
func (t *Trainer[B]) Phase() Phase { return t.phase }

// Run trains for the configured number of epochs. The returned history holds
// one entry per completed epoch, also when an error stops the run early.
func (t *Trainer[B]) Run(ctx context.Context, train, val BatchSource) (*metrics.History, error) {
	if t.phase != PhaseIdle {
		return nil, fmt.Errorf("trainer: cannot run from phase %s", t.phase)
	}
	history := &metrics.History{}
	start := time.Now()
	tape := t.backend.Tape()
	tape.StartRecording()
	defer tape.StopRecording()

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		epochStart := time.Now()

		t.phase = PhaseTrain
		trainLoss, trainAcc, err := t.trainEpoch(ctx, epoch, train)
		if err != nil {
			return history, err
		}

		t.phase = PhaseEval
		valLoss, valAcc, err := t.evaluate(ctx, epoch, val)
		if err != nil {
			return history, err
		}

		stats := metrics.EpochStats{
			Epoch:     epoch + 1,
			TrainLoss: trainLoss,
			TrainAcc:  trainAcc,
			ValLoss:   valLoss,
			ValAcc:    valAcc,
			Duration:  time.Since(epochStart),
		}
		history.Append(stats)
		t.log.Info(fmt.Sprintf("EPOCH: %d/%d train_loss=%.6f train_acc=%.4f val_loss=%.6f val_acc=%.4f",
			stats.Epoch, t.cfg.Epochs, trainLoss, trainAcc, valLoss, valAcc),
			zap.Int("epoch", stats.Epoch),
			zap.Int("epochs", t.cfg.Epochs),
			zap.Float64("train_loss", trainLoss),
			zap.Float64("train_acc", trainAcc),
			zap.Float64("val_loss", valLoss),
			zap.Float64("val_acc", valAcc),
			zap.Duration("duration", stats.Duration),
		)
		if t.cfg.Observer != nil {
			if err := t.cfg.Observer.ObserveEpoch(stats); err != nil {
				return history, fmt.Errorf("observe epoch %d: %w", stats.Epoch, err)
			}
		}
	}

	if n := t.acc.Discard(); n > 0 {
		t.log.Warn("discarding gradients pending after the final epoch", zap.Int("batches", n))
	}
	t.phase = PhaseDone
	t.log.Info(fmt.Sprintf("total time taken to train the model: %.2fs", time.Since(start).Seconds()),
		zap.Duration("elapsed", time.Since(start)))
	return history, nil
}

func (t *Trainer[B]) trainEpoch(ctx context.Context, epoch int, src BatchSource) (float64, float64, error) {
	t.model.Train()
	var (
		meter  metrics.Meter
		window metrics.Meter
	)
	last := time.Now()
	err := src.ForEach(ctx, epoch, func(batch dataset.Batch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		dataTime := time.Since(last)
		computeStart := time.Now()

		loss, correct, err := t.trainStep(batch)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch+1, batch.Index, err)
		}
		computeTime := time.Since(computeStart)
		meter.Record(batch.Size, correct, loss, dataTime, computeTime)
		window.Record(batch.Size, correct, loss, dataTime, computeTime)
		if t.cfg.LogEvery > 0 && window.Batches() == t.cfg.LogEvery {
			snap := window.Snapshot()
			t.log.Debug("train progress",
				zap.Int("epoch", epoch+1),
				zap.Int("batch", batch.Index),
				zap.Float64("images_per_sec", snap.ImagesPerSec),
				zap.Float64("data_ms", snap.AvgDataMS),
				zap.Float64("compute_ms", snap.AvgComputeMS),
				zap.Float64("loss", snap.LastLoss),
			)
		}
		last = time.Now()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	t.settleTrailing(epoch)
	return t.average(meter, src), accuracy(meter, src), nil
}

// trainStep runs forward and backward for one batch, folds the gradients into
// the accumulator and steps the optimizer when the batch index calls for it.
func (t *Trainer[B]) trainStep(batch dataset.Batch) (float64, int, error) {
	x, y, err := t.tensors(batch)
	if err != nil {
		return 0, 0, err
	}
	tape := t.backend.Tape()
	defer tape.Clear()

	logits, err := t.model.Forward(x)
	if err != nil {
		return 0, 0, err
	}
	lossRaw := t.backend.CrossEntropy(logits.Raw(), y.Raw())
	loss := float64(lossRaw.AsFloat32()[0])

	seed, err := tensor.NewRaw(lossRaw.Shape(), lossRaw.DType(), t.backend.Device())
	if err != nil {
		return 0, 0, err
	}
	seed.AsFloat32()[0] = 1
	if err := t.acc.Add(tape.Backward(seed, t.backend)); err != nil {
		return 0, 0, err
	}
	if t.acc.ShouldStep(batch.Index) {
		t.opt.Step(t.acc.Take())
	}
	return loss, t.correct(logits, batch.Labels), nil
}

func (t *Trainer[B]) settleTrailing(epoch int) {
	pending := t.acc.Pending()
	if pending == 0 {
		return
	}
	switch t.cfg.Trailing {
	case TrailingFlush:
		t.opt.Step(t.acc.Take())
		t.log.Debug("flushed trailing gradients", zap.Int("epoch", epoch+1), zap.Int("batches", pending))
	case TrailingDrop:
		t.acc.Discard()
		t.log.Warn("dropped trailing gradients", zap.Int("epoch", epoch+1), zap.Int("batches", pending))
	default:
		if epoch+1 < t.cfg.Epochs {
			t.log.Warn("carrying trailing gradients into the next epoch", zap.Int("epoch", epoch+1), zap.Int("batches", pending))
		}
	}
}

func (t *Trainer[B]) evaluate(ctx context.Context, epoch int, src BatchSource) (float64, float64, error) {
	t.model.Eval()
	tape := t.backend.Tape()
	tape.StopRecording()
	defer tape.StartRecording()

	var meter metrics.Meter
	err := src.ForEach(ctx, epoch, func(batch dataset.Batch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		x, y, err := t.tensors(batch)
		if err != nil {
			return err
		}
		logits, err := t.model.Forward(x)
		if err != nil {
			return fmt.Errorf("validate epoch %d batch %d: %w", epoch+1, batch.Index, err)
		}
		loss := float64(t.backend.CrossEntropy(logits.Raw(), y.Raw()).AsFloat32()[0])
		meter.Record(batch.Size, t.correct(logits, batch.Labels), loss, 0, time.Since(start))
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return t.average(meter, src), accuracy(meter, src), nil
}

func (t *Trainer[B]) tensors(batch dataset.Batch) (*tensor.Tensor[float32, B], *tensor.Tensor[int32, B], error) {
	x, err := tensor.FromSlice(batch.Inputs, tensor.Shape{batch.Size, batch.Channels, batch.Height, batch.Width}, t.backend)
	if err != nil {
		return nil, nil, fmt.Errorf("batch %d inputs: %w", batch.Index, err)
	}
	y, err := tensor.FromSlice(batch.Labels, tensor.Shape{batch.Size}, t.backend)
	if err != nil {
		return nil, nil, fmt.Errorf("batch %d labels: %w", batch.Index, err)
	}
	return x, y, nil
}

// correct counts rows whose highest logit sits at the label index.
func (t *Trainer[B]) correct(logits *tensor.Tensor[float32, B], labels []int32) int {
	var pred []int32
	model.NoGrad(t.backend, func() {
		pred = logits.Argmax(1).Data()
	})
	n := 0
	for i, p := range pred {
		if p == labels[i] {
			n++
		}
	}
	return n
}

func (t *Trainer[B]) average(m metrics.Meter, src BatchSource) float64 {
	steps := m.Batches()
	if t.cfg.LossSteps == StepsDataset && src.Steps() > 0 {
		steps = src.Steps()
	}
	if steps == 0 {
		return 0
	}
	return m.LossSum() / float64(steps)
}

func accuracy(m metrics.Meter, src BatchSource) float64 {
	if src.Len() == 0 {
		return 0
	}
	return float64(m.Correct()) / float64(src.Len())
}

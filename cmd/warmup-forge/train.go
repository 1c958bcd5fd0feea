package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/born-ml/born/optim"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warmup-forge/internal/config"
	"warmup-forge/internal/dataset"
	"warmup-forge/internal/device"
	"warmup-forge/internal/model"
	"warmup-forge/internal/report"
	"warmup-forge/internal/runlog"
	"warmup-forge/internal/trainer"
	"warmup-forge/internal/transform"
)

func newTrainCmd(c *cli) *cobra.Command {
	var (
		cfgPath   string
		overrides config.Overrides
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the classification head on an image folder dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides.SeedSet = cmd.Flags().Changed("seed")
			cfg, err := loadConfig(cfgPath, overrides)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := train(ctx, cfg, c.logger, cmd.ErrOrStderr()); err != nil {
				c.logger.Error("training failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "Path to YAML config (defaults apply when empty)")
	f.StringVar(&overrides.TrainDir, "train-dir", "", "Override the training image folder")
	f.StringVar(&overrides.ValDir, "val-dir", "", "Override the validation image folder")
	f.IntVar(&overrides.Epochs, "epochs", 0, "Number of epochs")
	f.IntVar(&overrides.BatchSize, "batch-size", 0, "Batch size")
	f.Float64Var(&overrides.LearningRate, "lr", 0, "Adam learning rate")
	f.StringVar(&overrides.Device, "device", "", "Compute device (auto|cpu|webgpu)")
	f.Int64Var(&overrides.Seed, "seed", 0, "PRNG seed")
	f.IntVar(&overrides.NumWorkers, "num-workers", 0, "Number of image decode workers")
	f.IntVar(&overrides.LogEvery, "log-every", 0, "Log every N batches")
	f.StringVar(&overrides.PlotPath, "plot", "", "Where to write the training curve PNG")
	f.StringVar(&overrides.ModelPath, "model", "", "Where to write the trained model")
	f.StringVar(&overrides.HistoryDB, "history-db", "", "SQLite run ledger to record epochs into")
	return cmd
}

// loadConfig layers defaults, the optional file, WARMUP_* env vars and flags.
func loadConfig(path string, o config.Overrides) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	cfg = cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// trainJob carries everything a run needs except the backend, which is only
// known once the device is resolved.
type trainJob struct {
	ctx      context.Context
	cfg      config.Config
	runID    string
	log      *zap.Logger
	train    *dataset.Loader
	val      *dataset.Loader
	ledger   *runlog.Store
	progress io.Writer
}

func (j *trainJob) RunCPU(backend device.CPUBackend) error {
	return runTraining(j, backend)
}

func train(ctx context.Context, cfg config.Config, log *zap.Logger, progress io.Writer) (err error) {
	if log == nil {
		log = zap.NewNop()
	}
	kind, err := device.Parse(cfg.Device)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID))

	trainSet, valSet, err := openDatasets(cfg, log)
	if err != nil {
		return err
	}

	job := &trainJob{
		ctx:      ctx,
		cfg:      cfg,
		runID:    runID,
		log:      log,
		train:    trainSet,
		val:      valSet,
		progress: progress,
	}

	if cfg.HistoryDB != "" {
		store, openErr := runlog.Open(cfg.HistoryDB)
		if openErr != nil {
			return openErr
		}
		defer store.Close()
		cfgJSON, jsonErr := json.Marshal(cfg)
		if jsonErr != nil {
			return fmt.Errorf("encode config: %w", jsonErr)
		}
		if err := store.StartRun(ctx, runID, string(cfgJSON)); err != nil {
			return err
		}
		job.ledger = store
		start := time.Now()
		defer func() {
			status := runlog.StatusDone
			if err != nil {
				status = runlog.StatusFailed
			}
			if ferr := store.FinishRun(context.WithoutCancel(ctx), runID, status, time.Since(start)); ferr != nil {
				log.Warn("failed to finish run in ledger", zap.Error(ferr))
			}
		}()
	}

	return device.WithBackend(kind, log, job)
}

func openDatasets(cfg config.Config, log *zap.Logger) (*dataset.Loader, *dataset.Loader, error) {
	trainFolder, err := dataset.Discover(cfg.TrainDir)
	if err != nil {
		return nil, nil, fmt.Errorf("train set: %w", err)
	}
	valFolder, err := dataset.Discover(cfg.ValDir)
	if err != nil {
		return nil, nil, fmt.Errorf("val set: %w", err)
	}
	if !slices.Equal(trainFolder.Classes(), valFolder.Classes()) {
		return nil, nil, fmt.Errorf("train classes %v do not match val classes %v",
			trainFolder.Classes(), valFolder.Classes())
	}

	trainPipe, err := transform.Train(cfg.ImageSize, cfg.Mean, cfg.Std)
	if err != nil {
		return nil, nil, err
	}
	valPipe, err := transform.Val(cfg.ImageSize, cfg.Mean, cfg.Std)
	if err != nil {
		return nil, nil, err
	}

	trainSet, err := dataset.NewLoader(trainFolder, trainPipe, dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		Shuffle:    cfg.ShuffleTrain,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
		Logger:     log.Named("train-loader"),
	})
	if err != nil {
		return nil, nil, err
	}
	valSet, err := dataset.NewLoader(valFolder, valPipe, dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
		Logger:     log.Named("val-loader"),
	})
	if err != nil {
		return nil, nil, err
	}

	log.Info("datasets ready",
		zap.Strings("classes", trainFolder.Classes()),
		zap.Int("train_samples", trainSet.Len()),
		zap.Int("val_samples", valSet.Len()),
		zap.Int("train_steps", trainSet.Steps()),
		zap.Int("val_steps", valSet.Steps()),
	)
	return trainSet, valSet, nil
}

func runTraining[B trainer.Backend](j *trainJob, backend B) error {
	cfg := j.cfg
	spec := model.BackboneSpec{
		Kind:       cfg.Backbone.Kind,
		Path:       cfg.Backbone.Path,
		Channels:   cfg.Backbone.Channels,
		FeatureDim: cfg.Backbone.FeatureDim,
		Seed:       cfg.Seed,
	}
	backbone, err := model.OpenBackbone(spec, cfg.ImageSize, backend)
	if err != nil {
		return err
	}
	classes := j.train.Classes()
	cls, err := model.Assemble(backbone, len(classes), backend)
	if err != nil {
		return err
	}
	cls.Reseed(cfg.Seed)
	j.log.Info("model assembled",
		zap.Any("backbone", backbone.Describe()),
		zap.Int("features", backbone.OutFeatures()),
		zap.Int("classes", len(classes)),
	)

	opt := optim.NewAdam(cls.Parameters(), optim.AdamConfig{
		LR:    float32(cfg.LearningRate),
		Betas: [2]float32{0.9, 0.999},
		Eps:   1e-8,
	}, backend)

	bar := report.NewProgress(j.progress, cfg.Epochs)
	observers := trainer.Observers{trainer.ObserverFunc(bar.ObserveEpoch)}
	if j.ledger != nil {
		observers = append(observers, j.ledger.Recorder(j.ctx, j.runID))
	}

	bar.Start()
	history, err := trainer.Run(j.ctx, trainer.RunConfig{
		Epochs:            cfg.Epochs,
		AccumulationSteps: cfg.AccumulationSteps,
		Trailing:          trainer.TrailingPolicy(cfg.TrailingGradients),
		LossSteps:         trainer.LossSteps(cfg.LossSteps),
		LogEvery:          cfg.LogEvery,
		Logger:            j.log.Named("trainer"),
		Observer:          observers,
	}, backend, cls, opt, j.train, j.val)
	bar.Finish()
	if err != nil {
		return err
	}

	// a failed plot must not cost the trained model
	plotErr := report.PlotHistory(history, cfg.PlotPath)
	if plotErr != nil {
		j.log.Error("failed to write training curve", zap.Error(plotErr))
	} else {
		j.log.Info("training curve written", zap.String("path", cfg.PlotPath))
	}

	meta := model.Metadata{
		RunID:     j.runID,
		Classes:   classes,
		ImageSize: cfg.ImageSize,
		Mean:      cfg.Mean,
		Std:       cfg.Std,
		Backbone:  model.DescribeSpec(spec, backbone),
		Epochs:    history.Len(),
	}
	if err := model.Save(cfg.ModelPath, cls, meta); err != nil {
		return err
	}
	j.log.Info("model saved", zap.String("path", cfg.ModelPath))
	return plotErr
}

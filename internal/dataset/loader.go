package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"warmup-forge/internal/transform"
)

// Batch is a fixed-size run of decoded samples in NCHW layout.
type Batch struct {
	Index    int
	Inputs   []float32
	Labels   []int32
	Size     int
	Channels int
	Height   int
	Width    int
}

// LoaderOptions configures batching for one split.
type LoaderOptions struct {
	BatchSize  int
	Shuffle    bool
	Seed       int64
	NumWorkers int
	Logger     *zap.Logger
}

// Loader turns an ImageFolder into ordered batches, decoding in parallel.
type Loader struct {
	folder   *ImageFolder
	pipeline transform.Pipeline
	opts     LoaderOptions
	log      *zap.Logger
}

// NewLoader validates options and returns a loader over folder.
func NewLoader(folder *ImageFolder, pipeline transform.Pipeline, opts LoaderOptions) (*Loader, error) {
	if folder == nil || folder.Len() == 0 {
		return nil, errors.New("loader: empty dataset")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{folder: folder, pipeline: pipeline, opts: opts, log: log}, nil
}

// Len returns the dataset size.
func (l *Loader) Len() int { return l.folder.Len() }

// Classes returns class names indexed by label.
func (l *Loader) Classes() []string { return l.folder.Classes() }

// Steps returns len(dataset) / batch size, rounded down.
func (l *Loader) Steps() int { return l.folder.Len() / l.opts.BatchSize }

// NumBatches returns the number of batches ForEach yields, counting a final
// partial batch.
func (l *Loader) NumBatches() int {
	return (l.folder.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// ForEach decodes epoch's batches and hands them to fn in order. The next
// batch is prepared while fn runs. Iteration stops at the first error.
func (l *Loader) ForEach(ctx context.Context, epoch int, fn func(Batch) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	order := l.order(epoch)
	out := make(chan Batch, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(out)
		for index, start := 0, 0; start < len(order); index, start = index+1, start+l.opts.BatchSize {
			end := min(start+l.opts.BatchSize, len(order))
			batch, err := l.decodeBatch(gctx, epoch, index, order[start:end])
			if err != nil {
				return err
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case out <- batch:
			}
		}
		return nil
	})

	var fnErr error
	for batch := range out {
		if fnErr != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			fnErr = err
			continue
		}
		if err := fn(batch); err != nil {
			fnErr = err
			cancel()
		}
	}
	err := g.Wait()
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (l *Loader) order(epoch int) []int {
	n := l.folder.Len()
	if !l.opts.Shuffle {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	return rand.New(rand.NewSource(l.opts.Seed + int64(epoch))).Perm(n)
}

func (l *Loader) decodeBatch(ctx context.Context, epoch, index int, indices []int) (Batch, error) {
	tensors := make([]transform.Tensor, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.NumWorkers)
	for slot, sampleIdx := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sample := l.folder.Sample(sampleIdx)
			img, err := decodeImage(sample.Path)
			if err != nil {
				return err
			}
			tensors[slot] = l.pipeline.Run(img, sampleRand(l.opts.Seed, epoch, sampleIdx))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}

	first := tensors[0]
	per := len(first.Data)
	batch := Batch{
		Index:    index,
		Inputs:   make([]float32, 0, per*len(indices)),
		Labels:   make([]int32, len(indices)),
		Size:     len(indices),
		Channels: first.Channels,
		Height:   first.Height,
		Width:    first.Width,
	}
	for slot, t := range tensors {
		if len(t.Data) != per {
			return Batch{}, fmt.Errorf("batch %d: sample %s has %d values, want %d",
				index, l.folder.Sample(indices[slot]).Path, len(t.Data), per)
		}
		batch.Inputs = append(batch.Inputs, t.Data...)
		batch.Labels[slot] = int32(l.folder.Sample(indices[slot]).Label)
	}
	l.log.Debug("batch decoded", zap.Int("epoch", epoch), zap.Int("batch", index), zap.Int("size", batch.Size))
	return batch, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// sampleRand seeds augmentation per (seed, epoch, sample) so results do not
// depend on worker scheduling.
func sampleRand(seed int64, epoch, sample int) *rand.Rand {
	const mul = 6364136223846793005
	s := uint64(seed)
	s = s*mul + uint64(epoch) + 1
	s = s*mul + uint64(sample) + 1
	return rand.New(rand.NewSource(int64(s)))
}

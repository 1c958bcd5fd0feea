//go:build windows

package device

import (
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/webgpu"
	"go.uber.org/zap"
)

// GPUBackend is the autodiff backend used on a WebGPU adapter.
type GPUBackend = *autodiff.Backend[*webgpu.Backend]

type runGPU interface {
	RunGPU(backend GPUBackend) error
}

func withGPU(log *zap.Logger, r Runner) error {
	if !webgpu.IsAvailable() {
		return fmt.Errorf("%w: no webgpu adapter", ErrUnavailable)
	}
	gpu, err := webgpu.New()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer gpu.Release()
	log.Info("using device", zap.String("device", string(WebGPU)))
	return r.RunGPU(autodiff.New(gpu))
}

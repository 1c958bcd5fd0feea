// Package device resolves the configured compute device to a Born backend.
package device

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"go.uber.org/zap"
)

// ErrUnavailable is returned when the requested device cannot be used.
var ErrUnavailable = errors.New("device: unavailable")

// Kind names a compute device.
type Kind string

const (
	Auto   Kind = "auto"
	CPU    Kind = "cpu"
	WebGPU Kind = "webgpu"
)

// Parse validates a device name.
func Parse(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Auto, CPU, WebGPU:
		return k, nil
	default:
		return "", fmt.Errorf("unknown device %q (want auto, cpu or webgpu)", s)
	}
}

// CPUBackend is the autodiff backend used on the CPU.
type CPUBackend = *autodiff.Backend[*cpu.Backend]

// Runner receives the resolved backend. Each backend type gets its own
// instantiation of the caller's generic code.
type Runner interface {
	RunCPU(backend CPUBackend) error
	runGPU
}

// WithBackend resolves kind and hands the backend to r. Auto prefers the GPU
// and falls back to the CPU.
func WithBackend(kind Kind, log *zap.Logger, r Runner) error {
	if log == nil {
		log = zap.NewNop()
	}
	switch kind {
	case CPU:
		log.Info("using device", zap.String("device", string(CPU)))
		return r.RunCPU(autodiff.New(cpu.New()))
	case WebGPU:
		return withGPU(log, r)
	case Auto:
		err := withGPU(log, r)
		if !errors.Is(err, ErrUnavailable) {
			return err
		}
		log.Info("gpu unavailable, falling back to cpu", zap.Error(err))
		return r.RunCPU(autodiff.New(cpu.New()))
	default:
		return fmt.Errorf("unknown device %q", kind)
	}
}

//go:build !windows

package device

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

type runGPU interface{}

func withGPU(_ *zap.Logger, _ Runner) error {
	return fmt.Errorf("%w: webgpu is not supported on %s", ErrUnavailable, runtime.GOOS)
}

//go:build !windows

package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type cpuRunner struct {
	calls int
	err   error
}

func (r *cpuRunner) RunCPU(backend CPUBackend) error {
	r.calls++
	if backend == nil || backend.Tape() == nil {
		return errors.New("nil backend")
	}
	return r.err
}

func TestParse(t *testing.T) {
	for _, s := range []string{"auto", "cpu", "webgpu"} {
		k, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, Kind(s), k)
	}
	_, err := Parse("cuda")
	require.Error(t, err)
}

func TestWithBackendCPU(t *testing.T) {
	r := &cpuRunner{}
	require.NoError(t, WithBackend(CPU, nil, r))
	assert.Equal(t, 1, r.calls)

	boom := errors.New("boom")
	r = &cpuRunner{err: boom}
	require.ErrorIs(t, WithBackend(CPU, nil, r), boom)
}

func TestAutoFallsBackToCPU(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := &cpuRunner{}
	require.NoError(t, WithBackend(Auto, zap.New(core), r))
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 1, logs.FilterMessage("gpu unavailable, falling back to cpu").Len())

	err := WithBackend(WebGPU, nil, r)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, r.calls)
}

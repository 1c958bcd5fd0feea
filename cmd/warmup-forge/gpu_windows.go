//go:build windows

package main

import "warmup-forge/internal/device"

func (j *trainJob) RunGPU(backend device.GPUBackend) error {
	return runTraining(j, backend)
}

// Copyright 2026 Ligru Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package rnn

import (
	"fmt"

	"github.com/ligru-ml/ligru/internal/backend/cpu"
	"github.com/ligru-ml/ligru/internal/backend/webgpu"
	"github.com/ligru-ml/ligru/internal/blas"
	"github.com/ligru-ml/ligru/internal/tensor"
)

// validatePrecision rejects precision/backend combinations without a
// native compute path. Reduced precision never silently upcasts.
func validatePrecision(device Device, dt DataType) error {
	switch device {
	case tensor.CPU:
		if !cpu.Supports(dt) {
			return fmt.Errorf("rnn: %s has no native %s support", device, dt)
		}
	case tensor.WebGPU:
		if dt != tensor.Float32 {
			return fmt.Errorf("rnn: %s has no native %s support", device, dt)
		}
	default:
		return fmt.Errorf("rnn: unknown device %d", int(device))
	}
	return nil
}

// newKernels selects the linear-algebra backend for the element type.
func newKernels[T tensor.Float](device Device) (blas.Kernels[T], error) {
	switch device {
	case tensor.CPU:
		return cpu.New[T](), nil
	case tensor.WebGPU:
		be, err := webgpu.New()
		if err != nil {
			return nil, fmt.Errorf("rnn: webgpu backend unavailable: %w", err)
		}
		k, ok := any(be).(blas.Kernels[T])
		if !ok {
			return nil, fmt.Errorf("rnn: webgpu backend computes float32 only")
		}
		return k, nil
	default:
		return nil, fmt.Errorf("rnn: unknown device %d", int(device))
	}
}

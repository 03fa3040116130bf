// Copyright 2026 Ligru Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package rnn provides the public API for the light-gated recurrent
// layer engines.
//
// The package validates caller buffers, allocates outputs, selects the
// numeric precision and compute backend, and drives the internal
// forward/backward engines:
//
//	wx, _ := rnn.FromSlice(..., rnn.Shape{T, B, 2 * H})
//	res, err := rnn.Forward(rnn.Config{Training: true, Activation: rnn.Tanh}, wx, hInit, u)
//	grads, err := rnn.Backward(cfg, wx, u, res, gradOut)
package rnn

import (
	"github.com/ligru-ml/ligru/internal/ligru"
	"github.com/ligru-ml/ligru/internal/tensor"
)

// Type aliases for the public API.

// Activation selects the candidate-branch nonlinearity.
type Activation = ligru.Activation

// The closed activation family.
const (
	ReLU      Activation = ligru.ReLU
	LeakyReLU Activation = ligru.LeakyReLU
	Sin       Activation = ligru.Sin
	Tanh      Activation = ligru.Tanh
)

// DataType represents the element type of a buffer.
type DataType = tensor.DataType

// Supported data types.
const (
	Float16 DataType = tensor.Float16
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
)

// Device represents where buffers are computed.
type Device = tensor.Device

// Supported devices.
const (
	CPU    Device = tensor.CPU
	WebGPU Device = tensor.WebGPU
)

// Shape represents buffer dimensions.
type Shape = tensor.Shape

// RawTensor is a contiguous caller-owned buffer.
type RawTensor = tensor.RawTensor

// NewRaw allocates a zero-filled tensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// FromSlice creates a tensor holding a copy of the given elements.
func FromSlice[T tensor.Float](data []T, shape Shape, device Device) (*RawTensor, error) {
	return tensor.FromSlice(data, shape, device)
}

// Config selects the engine variants for one call. The zero value is a
// float32-on-CPU inference call with ReLU gating.
type Config struct {
	// Training enables the gate cache needed by Backward.
	Training bool
	// Activation is the candidate-branch nonlinearity.
	Activation Activation
	// LayerNorm enables the normalization co-pass on the recurrent
	// projection. Forward then also returns the raw projections, which
	// Backward requires.
	LayerNorm bool
	// Epsilon is the normalization stability constant; 0 selects the
	// default (1e-5).
	Epsilon float64
	// Device selects the linear-algebra backend. WebGPU supports
	// float32 only and requires an adapter.
	Device Device
}

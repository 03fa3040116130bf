//go:build !windows

// Package webgpu implements the linear-algebra backend on the GPU using
// WGSL compute shaders. On platforms without the wgpu_native bindings
// this stub reports the backend as unavailable.
package webgpu

import "fmt"

// Backend is the WebGPU linear-algebra backend.
type Backend struct{}

// New reports the backend as unavailable on this platform.
func New() (*Backend, error) {
	return nil, fmt.Errorf("webgpu: not supported on this platform")
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "WebGPU"
}

// Release is a no-op on this platform.
func (b *Backend) Release() {}

// IsAvailable reports whether a WebGPU adapter can be acquired.
func IsAvailable() bool {
	return false
}

// Gemm is unavailable on this platform.
func (b *Backend) Gemm(transA, transB bool, m, n, k int, alpha float32, a, bm []float32, beta float32, c []float32) error {
	return fmt.Errorf("webgpu: not supported on this platform")
}

// Package cpu implements the linear-algebra backend on the host CPU.
package cpu

import (
	"github.com/ligru-ml/ligru/internal/parallel"
	"github.com/ligru-ml/ligru/internal/tensor"
)

// Backend computes GEMMs on the CPU with chunked row parallelism.
type Backend[T tensor.Float] struct {
	cfg parallel.Config
}

// New creates a CPU backend with default parallelism.
func New[T tensor.Float]() *Backend[T] {
	return &Backend[T]{cfg: parallel.DefaultConfig()}
}

// Name returns the backend name.
func (b *Backend[T]) Name() string {
	return "CPU"
}

// Supports reports whether the CPU backend can compute in the given
// precision. There is no native half-precision path; callers must hard
// fail rather than silently upcast.
func Supports(dt tensor.DataType) bool {
	switch dt {
	case tensor.Float32, tensor.Float64:
		return true
	default:
		return false
	}
}

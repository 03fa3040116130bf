// Package blas defines the boundary to the dense linear-algebra backend
// and the stream-bound handle the engines issue GEMMs through.
package blas

import (
	"github.com/ligru-ml/ligru/internal/stream"
	"github.com/ligru-ml/ligru/internal/tensor"
)

// Kernels is the dense linear-algebra contract the engines depend on.
// Implementations compute on tightly packed row-major buffers.
type Kernels[T tensor.Float] interface {
	// Gemm computes C = alpha*op(A)@op(B) + beta*C where op(A) is [m,k]
	// and op(B) is [k,n]. A is stored [m,k] ([k,m] when transA), B is
	// stored [k,n] ([n,k] when transB), C is stored [m,n].
	Gemm(transA, transB bool, m, n, k int, alpha T, a, b []T, beta T, c []T) error

	// Name identifies the backend for diagnostics.
	Name() string
}

// Handle pairs a kernel implementation with a mutable stream binding.
// GEMMs issued through the handle are enqueued on the bound stream, or
// run synchronously when no stream is bound.
//
// The binding is shared mutable state: callers that temporarily rebind
// it must save the previous binding and restore it on exit. A handle
// must not be used from multiple goroutines at once.
type Handle[T tensor.Float] struct {
	kernels Kernels[T]
	stream  *stream.Stream
}

// NewHandle creates a handle over the given kernels with no bound stream.
func NewHandle[T tensor.Float](k Kernels[T]) *Handle[T] {
	return &Handle[T]{kernels: k}
}

// SetStream rebinds the handle's execution stream. nil unbinds.
func (h *Handle[T]) SetStream(s *stream.Stream) {
	h.stream = s
}

// Stream returns the currently bound stream, or nil.
func (h *Handle[T]) Stream() *stream.Stream {
	return h.stream
}

// Kernels returns the underlying implementation.
func (h *Handle[T]) Kernels() Kernels[T] {
	return h.kernels
}

// Gemm issues a GEMM on the bound stream. With no bound stream the call
// executes synchronously and returns the kernel error directly; on a
// stream the error surfaces as a stream fault.
func (h *Handle[T]) Gemm(transA, transB bool, m, n, k int, alpha T, a, b []T, beta T, c []T) error {
	if h.stream == nil {
		return h.kernels.Gemm(transA, transB, m, n, k, alpha, a, b, beta, c)
	}
	h.stream.Submit(func() error {
		return h.kernels.Gemm(transA, transB, m, n, k, alpha, a, b, beta, c)
	})
	return nil
}

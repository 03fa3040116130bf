package cpu

import (
	"fmt"

	"github.com/ligru-ml/ligru/internal/parallel"
)

// Gemm computes C = alpha*op(A)@op(B) + beta*C on tightly packed
// row-major buffers. op(A) is [m,k], op(B) is [k,n], C is [m,n].
func (be *Backend[T]) Gemm(transA, transB bool, m, n, k int, alpha T, a, b []T, beta T, c []T) error {
	if m <= 0 || n <= 0 || k <= 0 {
		return fmt.Errorf("gemm: invalid dimensions m=%d n=%d k=%d", m, n, k)
	}
	if len(a) < m*k {
		return fmt.Errorf("gemm: A has %d elements, need %d", len(a), m*k)
	}
	if len(b) < k*n {
		return fmt.Errorf("gemm: B has %d elements, need %d", len(b), k*n)
	}
	if len(c) < m*n {
		return fmt.Errorf("gemm: C has %d elements, need %d", len(c), m*n)
	}

	// Strides of op(A)[i,p] and op(B)[p,j] over the stored layouts.
	aRow, aCol := k, 1
	if transA {
		aRow, aCol = 1, m
	}
	bRow, bCol := n, 1
	if transB {
		bRow, bCol = 1, k
	}

	parallel.For(m, func(i int) {
		for j := 0; j < n; j++ {
			var sum T
			for p := 0; p < k; p++ {
				sum += a[i*aRow+p*aCol] * b[p*bRow+j*bCol]
			}
			if beta == 0 {
				c[i*n+j] = alpha * sum
			} else {
				c[i*n+j] = alpha*sum + beta*c[i*n+j]
			}
		}
	}, be.cfg)

	return nil
}

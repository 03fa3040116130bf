package ligru

import (
	"math"

	"github.com/ligru-ml/ligru/internal/parallel"
	"github.com/ligru-ml/ligru/internal/tensor"
)

// defaultEpsilon is the numerical stability constant of the co-pass.
const defaultEpsilon = 1e-5

// layerNorm is the optional co-pass applied to the recurrent projection
// before gating. It is stateless across time steps: statistics are
// recomputed per step, per batch row, from the raw projection, so the
// backward pass only needs the raw values the forward pass saw.
type layerNorm[T tensor.Float] struct {
	cols int
	eps  T
	cfg  parallel.Config
}

func newLayerNorm[T tensor.Float](cols int, eps T, cfg parallel.Config) *layerNorm[T] {
	if eps <= 0 {
		eps = defaultEpsilon
	}
	return &layerNorm[T]{cols: cols, eps: eps, cfg: cfg}
}

// forward writes the normalized copy of x into y, row by row, leaving x
// untouched. x and y are [rows, cols].
func (ln *layerNorm[T]) forward(rows int, x, y []T) {
	cols := ln.cols
	parallel.For(rows, func(r int) {
		row := x[r*cols : (r+1)*cols]
		out := y[r*cols : (r+1)*cols]

		var mean T
		for _, v := range row {
			mean += v
		}
		mean /= T(cols)

		var variance T
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= T(cols)

		inv := T(1.0 / math.Sqrt(float64(variance+ln.eps)))
		for i, v := range row {
			out[i] = (v - mean) * inv
		}
	}, ln.cfg)
}

// backward maps the upstream gradient dy on the normalized values into
// the gradient dx on the raw projection x, recomputing the row
// statistics from x with the same formula and epsilon as forward.
//
// With y_i = (x_i - mean) * inv:
//
//	dx_i = inv * (dy_i - mean(dy) - y_i * mean(dy*y))
func (ln *layerNorm[T]) backward(rows int, x, dy, dx []T) {
	cols := ln.cols
	parallel.For(rows, func(r int) {
		row := x[r*cols : (r+1)*cols]
		grad := dy[r*cols : (r+1)*cols]
		out := dx[r*cols : (r+1)*cols]

		var mean T
		for _, v := range row {
			mean += v
		}
		mean /= T(cols)

		var variance T
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= T(cols)

		inv := T(1.0 / math.Sqrt(float64(variance+ln.eps)))

		var gradMean, gradDot T
		for i, g := range grad {
			gradMean += g
			gradDot += g * (row[i] - mean) * inv
		}
		gradMean /= T(cols)
		gradDot /= T(cols)

		for i, g := range grad {
			y := (row[i] - mean) * inv
			out[i] = inv * (g - gradMean - y*gradDot)
		}
	}, ln.cfg)
}

package ligru

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ligru-ml/ligru/internal/backend/cpu"
	"github.com/ligru-ml/ligru/internal/blas"
)

// runForward drives a forward engine over caller-style buffers and
// returns the hidden sequence, gate cache and raw projections.
func runForward(t *testing.T, training bool, act Activation, useNorm bool,
	steps, batch, hidden int, wx, u, hInit []float64) (h, v, proj []float64) {
	t.Helper()

	nh := batch * hidden
	h = make([]float64, (steps+1)*nh)
	copy(h[:nh], hInit)
	v = make([]float64, steps*nh*3)

	var tmpUH []float64
	if useNorm {
		tmpUH = make([]float64, steps*nh*2)
		proj = tmpUH
	} else {
		tmpUH = make([]float64, nh*2)
	}

	handle := blas.NewHandle[float64](cpu.New[float64]())
	fwd, err := NewForwardPass[float64](training, batch, 0, hidden, handle, act, nil)
	require.NoError(t, err)
	if useNorm {
		fwd.UseLayerNorm(0)
	}

	require.NoError(t, fwd.Run(steps, wx, u, h, v, tmpUH))
	require.NoError(t, fwd.Synchronize())
	require.NoError(t, fwd.Close())
	return h, v, proj
}

// runBackward drives a backward engine and returns (du, dwx, dhInit).
func runBackward(t *testing.T, act Activation, useNorm bool,
	steps, batch, hidden int, u, h, v, gradOut, proj []float64) (du, dwx, dh []float64) {
	t.Helper()

	nh := batch * hidden
	du = make([]float64, hidden*hidden*2)
	dwx = make([]float64, steps*nh*2)
	dh = make([]float64, nh)

	var tmpDwx []float64
	if useNorm {
		tmpDwx = make([]float64, steps*nh*2)
	}

	handle := blas.NewHandle[float64](cpu.New[float64]())
	bwd, err := NewBackwardPass[float64](batch, 0, hidden, handle, act, nil)
	require.NoError(t, err)
	if useNorm {
		bwd.UseLayerNorm(0)
	}

	require.NoError(t, bwd.Run(steps, u, h, v, gradOut, proj, tmpDwx, dwx, du, dh))
	require.NoError(t, bwd.Synchronize())
	require.NoError(t, bwd.Close())
	return du, dwx, dh
}

// referenceForward is an independent straight-loop implementation of
// the layer used as ground truth for the engine outputs.
func referenceForward(act Activation, useNorm bool, steps, batch, hidden int,
	wx, u, hInit []float64) (h []float64) {
	pw, err := activations[float64](act)
	if err != nil {
		panic(err)
	}

	nh := batch * hidden
	h = make([]float64, (steps+1)*nh)
	copy(h[:nh], hInit)

	uh := make([]float64, batch*hidden*2)
	for t := 0; t < steps; t++ {
		hPrev := h[t*nh : (t+1)*nh]
		hOut := h[(t+1)*nh : (t+2)*nh]
		wxStep := wx[t*nh*2 : (t+1)*nh*2]

		// uh = h_t @ U
		for b := 0; b < batch; b++ {
			for j := 0; j < hidden*2; j++ {
				var sum float64
				for k := 0; k < hidden; k++ {
					sum += hPrev[b*hidden+k] * u[k*hidden*2+j]
				}
				uh[b*hidden*2+j] = sum
			}
		}
		if useNorm {
			normalizeRows(uh, batch, hidden*2)
		}

		for b := 0; b < batch; b++ {
			for j := 0; j < hidden; j++ {
				wi := b*hidden*2 + j
				z := 1.0 / (1.0 + math.Exp(-(wxStep[wi+hidden] + uh[wi+hidden])))
				a := wxStep[wi] + uh[wi]
				hc := pw.activate(a)
				hOut[b*hidden+j] = z*hPrev[b*hidden+j] + (1-z)*hc
			}
		}
	}
	return h
}

func normalizeRows(x []float64, rows, cols int) {
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		var variance float64
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(cols)
		inv := 1.0 / math.Sqrt(variance+defaultEpsilon)
		for i := range row {
			row[i] = (row[i] - mean) * inv
		}
	}
}

// sequenceLoss is the scalar the gradient checks differentiate:
// the upstream gradient dotted with the produced hidden sequence.
func sequenceLoss(gradOut, h []float64, steps, nh int) float64 {
	var loss float64
	for t := 1; t <= steps; t++ {
		for i := 0; i < nh; i++ {
			loss += gradOut[t*nh+i] * h[t*nh+i]
		}
	}
	return loss
}

func randomSlice(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.Float64()*2 - 1
	}
	return out
}

package ligru

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligru-ml/ligru/internal/backend/cpu"
	"github.com/ligru-ml/ligru/internal/blas"
	"github.com/ligru-ml/ligru/internal/parallel"
)

// referenceBackward recomputes the forward pass with straight loops and
// then backpropagates the sequence loss through it, independently of
// the engine's stream and GEMM plumbing.
func referenceBackward(act Activation, useNorm bool, steps, batch, hidden int,
	wx, u, hInit, gradOut []float64) (du, dwx, dh []float64) {
	pw, err := activations[float64](act)
	if err != nil {
		panic(err)
	}

	nh := batch * hidden
	h := make([]float64, (steps+1)*nh)
	copy(h[:nh], hInit)

	// Per-step saved state: raw projection, and (a, z, hcand).
	uhRaw := make([]float64, steps*nh*2)
	aBuf := make([]float64, steps*nh)
	zBuf := make([]float64, steps*nh)
	cBuf := make([]float64, steps*nh)

	for t := 0; t < steps; t++ {
		hPrev := h[t*nh : (t+1)*nh]
		raw := uhRaw[t*nh*2 : (t+1)*nh*2]
		for b := 0; b < batch; b++ {
			for j := 0; j < hidden*2; j++ {
				var sum float64
				for k := 0; k < hidden; k++ {
					sum += hPrev[b*hidden+k] * u[k*hidden*2+j]
				}
				raw[b*hidden*2+j] = sum
			}
		}
		uh := raw
		if useNorm {
			uh = append([]float64(nil), raw...)
			normalizeRows(uh, batch, hidden*2)
		}
		for b := 0; b < batch; b++ {
			for j := 0; j < hidden; j++ {
				wi := t*nh*2 + b*hidden*2 + j
				z := 1.0 / (1.0 + math.Exp(-(wx[wi+hidden] + uh[b*hidden*2+hidden+j])))
				a := wx[wi] + uh[b*hidden*2+j]
				hc := pw.activate(a)
				oi := t*nh + b*hidden + j
				aBuf[oi] = a
				zBuf[oi] = z
				cBuf[oi] = hc
				h[(t+1)*nh+b*hidden+j] = z*hPrev[b*hidden+j] + (1-z)*hc
			}
		}
	}

	du = make([]float64, hidden*hidden*2)
	dwx = make([]float64, steps*nh*2)
	dh = make([]float64, nh)

	ln := newLayerNorm[float64](hidden*2, 0, parallel.DefaultConfig())

	for t := steps - 1; t >= 0; t-- {
		hPrev := h[t*nh : (t+1)*nh]
		dwxStep := dwx[t*nh*2 : (t+1)*nh*2]
		for b := 0; b < batch; b++ {
			for j := 0; j < hidden; j++ {
				oi := t*nh + b*hidden + j
				hi := b*hidden + j
				dht := gradOut[(t+1)*nh+hi] + dh[hi]

				a, z, hc := aBuf[oi], zBuf[oi], cBuf[oi]
				tmp := (1 - z) * dht
				da := pw.derivative(a) * tmp
				dz := (hPrev[hi] - hc) * z * tmp
				dh[hi] = dht * z

				dwxStep[b*hidden*2+j] = da
				dwxStep[b*hidden*2+hidden+j] = dz
			}
		}

		fold := dwxStep
		if useNorm {
			fold = make([]float64, nh*2)
			ln.backward(batch, uhRaw[t*nh*2:(t+1)*nh*2], dwxStep, fold)
		}

		for b := 0; b < batch; b++ {
			for j := 0; j < hidden; j++ {
				var sum float64
				for k := 0; k < hidden*2; k++ {
					sum += fold[b*hidden*2+k] * u[j*hidden*2+k]
				}
				dh[b*hidden+j] += sum
			}
		}
		for j := 0; j < hidden; j++ {
			for k := 0; k < hidden*2; k++ {
				var sum float64
				for b := 0; b < batch; b++ {
					sum += hPrev[b*hidden+j] * fold[b*hidden*2+k]
				}
				du[j*hidden*2+k] += sum
			}
		}
	}
	return du, dwx, dh
}

func TestBackwardMatchesReference(t *testing.T) {
	const steps, batch, hidden = 4, 3, 5

	for _, act := range []Activation{ReLU, LeakyReLU, Sin, Tanh} {
		for _, useNorm := range []bool{false, true} {
			name := act.String()
			if useNorm {
				name += "/layernorm"
			}
			t.Run(name, func(t *testing.T) {
				rng := rand.New(rand.NewSource(17))
				wx := randomSlice(rng, steps*batch*hidden*2)
				u := randomSlice(rng, hidden*hidden*2)
				hInit := randomSlice(rng, batch*hidden)
				nh := batch * hidden
				gradOut := randomSlice(rng, (steps+1)*nh)

				h, v, proj := runForward(t, true, act, useNorm, steps, batch, hidden, wx, u, hInit)
				du, dwx, dh := runBackward(t, act, useNorm, steps, batch, hidden, u, h, v, gradOut, proj)

				wantDU, wantDWX, wantDH := referenceBackward(act, useNorm, steps, batch, hidden, wx, u, hInit, gradOut)

				for i := range wantDU {
					assert.InDelta(t, wantDU[i], du[i], 1e-10, "du[%d]", i)
				}
				for i := range wantDWX {
					assert.InDelta(t, wantDWX[i], dwx[i], 1e-10, "dwx[%d]", i)
				}
				for i := range wantDH {
					assert.InDelta(t, wantDH[i], dh[i], 1e-10, "dh[%d]", i)
				}
			})
		}
	}
}

// Central-difference check of every analytic gradient against the
// scalar loss sum(gradOut . h). Smooth activations only: the kink in
// the rectified family makes finite differences unreliable near zero.
func TestBackwardGradientsNumerically(t *testing.T) {
	const steps, batch, hidden = 3, 2, 3
	const eps = 1e-6
	const tol = 1e-6
	nh := batch * hidden

	for _, act := range []Activation{Sin, Tanh} {
		for _, useNorm := range []bool{false, true} {
			name := act.String()
			if useNorm {
				name += "/layernorm"
			}
			t.Run(name, func(t *testing.T) {
				rng := rand.New(rand.NewSource(5))
				wx := randomSlice(rng, steps*nh*2)
				u := randomSlice(rng, hidden*hidden*2)
				hInit := randomSlice(rng, nh)
				gradOut := randomSlice(rng, (steps+1)*nh)

				h, v, proj := runForward(t, true, act, useNorm, steps, batch, hidden, wx, u, hInit)
				du, dwx, dh := runBackward(t, act, useNorm, steps, batch, hidden, u, h, v, gradOut, proj)

				loss := func() float64 {
					hs := referenceForward(act, useNorm, steps, batch, hidden, wx, u, hInit)
					return sequenceLoss(gradOut, hs, steps, nh)
				}
				numeric := func(param []float64, i int) float64 {
					orig := param[i]
					param[i] = orig + eps
					plus := loss()
					param[i] = orig - eps
					minus := loss()
					param[i] = orig
					return (plus - minus) / (2 * eps)
				}

				for i := range wx {
					assert.InDelta(t, numeric(wx, i), dwx[i], tol, "dwx[%d]", i)
				}
				for i := range u {
					assert.InDelta(t, numeric(u, i), du[i], tol, "du[%d]", i)
				}
				for i := range hInit {
					assert.InDelta(t, numeric(hInit, i), dh[i], tol, "dh[%d]", i)
				}
			})
		}
	}
}

// One step, one unit, zero weights: every gradient is computable by
// hand. h0=2 gives z=0.5, hcand=0, h1=1 and a unit upstream gradient
// splits evenly between the two gate slots.
func TestBackwardScalarStep(t *testing.T) {
	wx := []float64{0, 0}
	u := []float64{0, 0}
	hInit := []float64{2}
	gradOut := []float64{0, 1}

	h, v, _ := runForward(t, true, Tanh, false, 1, 1, 1, wx, u, hInit)
	require.Equal(t, 1.0, h[1])

	du, dwx, dh := runBackward(t, Tanh, false, 1, 1, 1, u, h, v, gradOut, nil)

	assert.InDelta(t, 0.5, dwx[0], 1e-15) // da = f'(0)*(1-z)*dht
	assert.InDelta(t, 0.5, dwx[1], 1e-15) // dz = (h0-hcand)*z*(1-z)*dht
	assert.InDelta(t, 1.0, du[0], 1e-15)  // h0 * da
	assert.InDelta(t, 1.0, du[1], 1e-15)  // h0 * dz
	assert.InDelta(t, 0.5, dh[0], 1e-15)  // dht * z
}

// The hoisted sequence-wide reduction must equal the sum of per-step
// outer products h_t^T dwx_t.
func TestBackwardWeightReduction(t *testing.T) {
	const steps, batch, hidden = 5, 3, 4
	nh := batch * hidden

	rng := rand.New(rand.NewSource(41))
	wx := randomSlice(rng, steps*nh*2)
	u := randomSlice(rng, hidden*hidden*2)
	hInit := randomSlice(rng, nh)
	gradOut := randomSlice(rng, (steps+1)*nh)

	h, v, _ := runForward(t, true, Tanh, false, steps, batch, hidden, wx, u, hInit)
	du, dwx, _ := runBackward(t, Tanh, false, steps, batch, hidden, u, h, v, gradOut, nil)

	want := make([]float64, hidden*hidden*2)
	for ti := 0; ti < steps; ti++ {
		for j := 0; j < hidden; j++ {
			for k := 0; k < hidden*2; k++ {
				for b := 0; b < batch; b++ {
					want[j*hidden*2+k] += h[ti*nh+b*hidden+j] * dwx[ti*nh*2+b*hidden*2+k]
				}
			}
		}
	}
	for i := range want {
		assert.InDelta(t, want[i], du[i], 1e-10, "du[%d]", i)
	}
}

// du accumulates across Run calls; the caller owns zero-filling.
func TestBackwardAccumulatesWeightGradient(t *testing.T) {
	const steps, batch, hidden = 2, 2, 3
	nh := batch * hidden

	rng := rand.New(rand.NewSource(53))
	wx := randomSlice(rng, steps*nh*2)
	u := randomSlice(rng, hidden*hidden*2)
	hInit := randomSlice(rng, nh)
	gradOut := randomSlice(rng, (steps+1)*nh)

	h, v, _ := runForward(t, true, Tanh, false, steps, batch, hidden, wx, u, hInit)

	once, _, _ := runBackward(t, Tanh, false, steps, batch, hidden, u, h, v, gradOut, nil)

	handle := blas.NewHandle[float64](cpu.New[float64]())
	bwd, err := NewBackwardPass[float64](batch, 0, hidden, handle, Tanh, nil)
	require.NoError(t, err)

	du := make([]float64, hidden*hidden*2)
	dwx := make([]float64, steps*nh*2)
	for run := 0; run < 2; run++ {
		dh := make([]float64, nh)
		require.NoError(t, bwd.Run(steps, u, h, v, gradOut, nil, nil, dwx, du, dh))
		require.NoError(t, bwd.Synchronize())
	}
	require.NoError(t, bwd.Close())

	for i := range once {
		assert.InDelta(t, 2*once[i], du[i], 1e-10, "du[%d]", i)
	}
}

func TestBackwardRejectsBadArguments(t *testing.T) {
	handle := blas.NewHandle[float64](cpu.New[float64]())

	_, err := NewBackwardPass[float64](0, 0, 4, handle, Tanh, nil)
	require.Error(t, err)

	_, err = NewBackwardPass[float64](1, 0, 2, handle, Activation(-1), nil)
	require.Error(t, err)

	bwd, err := NewBackwardPass[float64](1, 0, 2, handle, Tanh, nil)
	require.NoError(t, err)
	defer bwd.Close()

	require.Error(t, bwd.Run(0, nil, nil, nil, nil, nil, nil, nil, nil, nil))

	u := make([]float64, 2*2*2)
	h := make([]float64, 3*1*2)
	v := make([]float64, 2*1*2*3)
	gradOut := make([]float64, 3*1*2)
	dwx := make([]float64, 2*1*2*2)
	du := make([]float64, 2*2*2)
	dh := make([]float64, 1*2)
	require.Error(t, bwd.Run(2, u[:1], h, v, gradOut, nil, nil, dwx, du, dh))
	require.Error(t, bwd.Run(2, u, h[:1], v, gradOut, nil, nil, dwx, du, dh))
	require.Error(t, bwd.Run(2, u, h, v[:1], gradOut, nil, nil, dwx, du, dh))
	require.Error(t, bwd.Run(2, u, h, v, gradOut[:1], nil, nil, dwx, du, dh))
	require.Error(t, bwd.Run(2, u, h, v, gradOut, nil, nil, dwx[:1], du, dh))
	require.Error(t, bwd.Run(2, u, h, v, gradOut, nil, nil, dwx, du[:1], dh))
	require.Error(t, bwd.Run(2, u, h, v, gradOut, nil, nil, dwx, du, dh[:1]))

	// Layer norm requires the saved projections and the scratch buffer.
	bwdNorm, err := NewBackwardPass[float64](1, 0, 2, handle, Tanh, nil)
	require.NoError(t, err)
	defer bwdNorm.Close()
	bwdNorm.UseLayerNorm(0)
	require.Error(t, bwdNorm.Run(2, u, h, v, gradOut, nil, nil, dwx, du, dh))
}

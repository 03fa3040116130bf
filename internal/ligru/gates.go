package ligru

import (
	"github.com/ligru-ml/ligru/internal/parallel"
	"github.com/ligru-ml/ligru/internal/tensor"
)

// Gate pre-activation slot order in wx/uh/dwx rows: slot 0 is the
// candidate pre-activation a, slot 1 is the update gate z.
// Cache slot order in v rows: a, z, hcand.

// gateForward applies one time step of the gating equations over the
// (batch x hidden) grid.
//
// wx, uh are [batch, 2*hidden] rows for this step; hPrev, hOut are
// [batch, hidden]; v is the [batch, 3*hidden] cache row for this step,
// written only when training (and may be nil otherwise).
func gateForward[T tensor.Float](batch, hidden int, wx, uh, hPrev, hOut, v []T,
	pw pointwise[T], training bool, cfg parallel.Config) {
	parallel.ForGrid(batch, hidden, func(b, j int) {
		wi := b*(hidden*2) + j
		oi := b*hidden + j

		z := sigmoid(wx[wi+hidden] + uh[wi+hidden])
		a := wx[wi] + uh[wi]
		hcand := pw.activate(a)

		if training {
			ci := b*(hidden*3) + j
			v[ci] = a
			v[ci+hidden] = z
			v[ci+2*hidden] = hcand
		}

		hOut[oi] = z*hPrev[oi] + (1-z)*hcand
	}, cfg)
}

// gateBackward consumes the cached (a, z, hcand) for one step together
// with that step's saved h_prev, the incoming per-step output gradient
// and the running hidden gradient, producing the gate pre-activation
// gradients and advancing the running gradient in place.
//
//	dh_total = gradOut + dh
//	dz       = (h_prev - hcand) * z*(1-z) * dh_total
//	da       = f'(a) * (1-z) * dh_total
//	dh       = dh_total * z
//
// The recurrent-weight contribution to dh is folded in by the caller
// after this kernel.
func gateBackward[T tensor.Float](batch, hidden int, hPrev, v, gradOut, dh, dwx []T,
	pw pointwise[T], cfg parallel.Config) {
	parallel.ForGrid(batch, hidden, func(b, j int) {
		oi := b*hidden + j
		ci := b*(hidden*3) + j

		dht := gradOut[oi] + dh[oi]

		a := v[ci]
		z := v[ci+hidden]
		hcand := v[ci+2*hidden]

		tmp := (1 - z) * dht
		da := pw.derivative(a) * tmp
		dz := (hPrev[oi] - hcand) * z * tmp

		dh[oi] = dht * z

		wi := b*(hidden*2) + j
		dwx[wi] = da
		dwx[wi+hidden] = dz
	}, cfg)
}

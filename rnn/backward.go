// Copyright 2026 Ligru Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package rnn

import (
	"fmt"

	"github.com/ligru-ml/ligru/internal/blas"
	"github.com/ligru-ml/ligru/internal/ligru"
	"github.com/ligru-ml/ligru/internal/tensor"
)

// BackwardResult bundles the gradients of one backward call.
type BackwardResult struct {
	DU     *RawTensor // [H, 2H] recurrent-weight gradient
	DWx    *RawTensor // [T, B, 2H] input-projection gradient, wx slot order
	DHInit *RawTensor // [B, H] gradient with respect to the initial state
}

// Backward runs the reverse time scan over the state saved by a
// training-mode Forward call with the same Config.
//
//	wx      [T, B, 2H]    the forward call's input projection (shape reference)
//	u       [H, 2H]       recurrent weight
//	state   the ForwardResult of the matching training forward call
//	gradOut [T+1, B, H]   upstream gradient on the hidden sequence; row 0 is ignored
func Backward(cfg Config, wx, u *RawTensor, state *ForwardResult, gradOut *RawTensor) (*BackwardResult, error) {
	seqLen, batch, hidden, err := validateBackwardShapes(cfg, wx, u, state, gradOut)
	if err != nil {
		return nil, err
	}
	if err := validatePrecision(cfg.Device, wx.DType()); err != nil {
		return nil, err
	}

	switch wx.DType() {
	case tensor.Float32:
		return backwardTyped[float32](cfg, u, state, gradOut, seqLen, batch, hidden)
	case tensor.Float64:
		return backwardTyped[float64](cfg, u, state, gradOut, seqLen, batch, hidden)
	default:
		return nil, fmt.Errorf("rnn: unsupported dtype %s", wx.DType())
	}
}

func backwardTyped[T tensor.Float](cfg Config, u *RawTensor, state *ForwardResult, gradOut *RawTensor,
	seqLen, batch, hidden int) (*BackwardResult, error) {
	kernels, err := newKernels[T](cfg.Device)
	if err != nil {
		return nil, err
	}

	du, err := tensor.NewRaw(Shape{hidden, hidden * 2}, u.DType(), u.Device())
	if err != nil {
		return nil, err
	}
	dwx, err := tensor.NewRaw(Shape{seqLen, batch, hidden * 2}, u.DType(), u.Device())
	if err != nil {
		return nil, err
	}
	dh, err := tensor.NewRaw(Shape{batch, hidden}, u.DType(), u.Device())
	if err != nil {
		return nil, err
	}

	var uhRaw, tmpDwx []T
	if cfg.LayerNorm {
		uhRaw = tensor.AsSlice[T](state.Proj)
		tmpDwx = make([]T, seqLen*batch*hidden*2)
	}

	handle := blas.NewHandle[T](kernels)
	bwd, err := ligru.NewBackwardPass[T](batch, 0, hidden, handle, cfg.Activation, nil)
	if err != nil {
		return nil, err
	}
	if cfg.LayerNorm {
		bwd.UseLayerNorm(T(cfg.Epsilon))
	}

	runErr := bwd.Run(seqLen,
		tensor.AsSlice[T](u),
		tensor.AsSlice[T](state.Output),
		tensor.AsSlice[T](state.Cache),
		tensor.AsSlice[T](gradOut),
		uhRaw,
		tmpDwx,
		tensor.AsSlice[T](dwx),
		tensor.AsSlice[T](du),
		tensor.AsSlice[T](dh))
	syncErr := bwd.Synchronize()
	closeErr := bwd.Close()
	if runErr != nil {
		return nil, runErr
	}
	if syncErr != nil {
		return nil, syncErr
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return &BackwardResult{DU: du, DWx: dwx, DHInit: dh}, nil
}

func validateBackwardShapes(cfg Config, wx, u *RawTensor, state *ForwardResult, gradOut *RawTensor) (seqLen, batch, hidden int, err error) {
	ws := wx.Shape()
	if len(ws) != 3 {
		return 0, 0, 0, fmt.Errorf("rnn: wx must be [T, B, 2H], got %v", ws)
	}
	seqLen, batch = ws[0], ws[1]
	hidden = ws[2] / 2
	if ws[2] != hidden*2 {
		return 0, 0, 0, fmt.Errorf("rnn: wx last dimension %d is odd", ws[2])
	}

	us := u.Shape()
	if len(us) != 2 || us[0] != hidden || us[1] != hidden*2 {
		return 0, 0, 0, fmt.Errorf("rnn: u must be [%d, %d], got %v", hidden, hidden*2, us)
	}

	if state == nil || state.Output == nil {
		return 0, 0, 0, fmt.Errorf("rnn: backward requires the forward result")
	}
	if state.Cache == nil {
		return 0, 0, 0, fmt.Errorf("rnn: backward requires the gate cache of a training forward call")
	}
	if !state.Output.Shape().Equal(Shape{seqLen + 1, batch, hidden}) {
		return 0, 0, 0, fmt.Errorf("rnn: hidden sequence must be [%d, %d, %d], got %v",
			seqLen+1, batch, hidden, state.Output.Shape())
	}
	if !state.Cache.Shape().Equal(Shape{seqLen, batch, hidden * 3}) {
		return 0, 0, 0, fmt.Errorf("rnn: gate cache must be [%d, %d, %d], got %v",
			seqLen, batch, hidden*3, state.Cache.Shape())
	}
	if cfg.LayerNorm {
		if state.Proj == nil {
			return 0, 0, 0, fmt.Errorf("rnn: layer-norm backward requires the raw projections from forward")
		}
		if !state.Proj.Shape().Equal(Shape{seqLen, batch, hidden * 2}) {
			return 0, 0, 0, fmt.Errorf("rnn: raw projections must be [%d, %d, %d], got %v",
				seqLen, batch, hidden*2, state.Proj.Shape())
		}
	}
	if !gradOut.Shape().Equal(Shape{seqLen + 1, batch, hidden}) {
		return 0, 0, 0, fmt.Errorf("rnn: gradOut must be [%d, %d, %d], got %v",
			seqLen+1, batch, hidden, gradOut.Shape())
	}
	if wx.DType() != u.DType() || wx.DType() != state.Output.DType() || wx.DType() != gradOut.DType() {
		return 0, 0, 0, fmt.Errorf("rnn: mixed dtypes in backward call")
	}
	return seqLen, batch, hidden, nil
}

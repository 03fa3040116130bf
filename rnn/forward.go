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

// ForwardResult bundles the outputs of one forward call. Output always
// holds the full hidden sequence; Cache is present only for training
// calls and Proj only when layer normalization is enabled.
type ForwardResult struct {
	Output *RawTensor // [T+1, B, H], row 0 is the initial state
	Cache  *RawTensor // [T, B, 3H] gate cache (a, z, hcand), training only
	Proj   *RawTensor // [T, B, 2H] raw recurrent projections, layer norm only
}

// Forward runs the forward time scan.
//
//	wx    [T, B, 2H]  precomputed input projection (slot 0 = candidate, slot 1 = update gate)
//	hInit [B, H]      initial hidden state
//	u     [H, 2H]     recurrent weight
//
// All three must share one dtype and be CPU-resident contiguous
// buffers. Unsupported precision/backend combinations fail hard.
func Forward(cfg Config, wx, hInit, u *RawTensor) (*ForwardResult, error) {
	seqLen, batch, hidden, err := validateForwardShapes(wx, hInit, u)
	if err != nil {
		return nil, err
	}
	if err := validatePrecision(cfg.Device, wx.DType()); err != nil {
		return nil, err
	}

	switch wx.DType() {
	case tensor.Float32:
		return forwardTyped[float32](cfg, wx, hInit, u, seqLen, batch, hidden)
	case tensor.Float64:
		return forwardTyped[float64](cfg, wx, hInit, u, seqLen, batch, hidden)
	default:
		return nil, fmt.Errorf("rnn: unsupported dtype %s", wx.DType())
	}
}

func forwardTyped[T tensor.Float](cfg Config, wx, hInit, u *RawTensor, seqLen, batch, hidden int) (*ForwardResult, error) {
	kernels, err := newKernels[T](cfg.Device)
	if err != nil {
		return nil, err
	}

	output, err := tensor.NewRaw(Shape{seqLen + 1, batch, hidden}, wx.DType(), wx.Device())
	if err != nil {
		return nil, err
	}
	res := &ForwardResult{Output: output}

	var cacheData []T
	if cfg.Training {
		cache, err := tensor.NewRaw(Shape{seqLen, batch, hidden * 3}, wx.DType(), wx.Device())
		if err != nil {
			return nil, err
		}
		res.Cache = cache
		cacheData = tensor.AsSlice[T](cache)
	}

	var tmpUH []T
	if cfg.LayerNorm {
		proj, err := tensor.NewRaw(Shape{seqLen, batch, hidden * 2}, wx.DType(), wx.Device())
		if err != nil {
			return nil, err
		}
		res.Proj = proj
		tmpUH = tensor.AsSlice[T](proj)
	} else {
		tmpUH = make([]T, batch*hidden*2)
	}

	outData := tensor.AsSlice[T](output)
	copy(outData[:batch*hidden], tensor.AsSlice[T](hInit))

	handle := blas.NewHandle[T](kernels)
	fwd, err := ligru.NewForwardPass[T](cfg.Training, batch, 0, hidden, handle, cfg.Activation, nil)
	if err != nil {
		return nil, err
	}
	if cfg.LayerNorm {
		fwd.UseLayerNorm(T(cfg.Epsilon))
	}

	runErr := fwd.Run(seqLen, tensor.AsSlice[T](wx), tensor.AsSlice[T](u), outData, cacheData, tmpUH)
	syncErr := fwd.Synchronize()
	closeErr := fwd.Close()
	if runErr != nil {
		return nil, runErr
	}
	if syncErr != nil {
		return nil, syncErr
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return res, nil
}

func validateForwardShapes(wx, hInit, u *RawTensor) (seqLen, batch, hidden int, err error) {
	ws := wx.Shape()
	if len(ws) != 3 {
		return 0, 0, 0, fmt.Errorf("rnn: wx must be [T, B, 2H], got %v", ws)
	}
	hs := hInit.Shape()
	if len(hs) != 2 {
		return 0, 0, 0, fmt.Errorf("rnn: hInit must be [B, H], got %v", hs)
	}
	us := u.Shape()
	if len(us) != 2 {
		return 0, 0, 0, fmt.Errorf("rnn: u must be [H, 2H], got %v", us)
	}

	seqLen, batch, hidden = ws[0], ws[1], hs[1]
	if ws[2] != hidden*2 {
		return 0, 0, 0, fmt.Errorf("rnn: wx last dimension %d does not match 2H=%d", ws[2], hidden*2)
	}
	if hs[0] != batch {
		return 0, 0, 0, fmt.Errorf("rnn: hInit batch %d does not match wx batch %d", hs[0], batch)
	}
	if us[0] != hidden || us[1] != hidden*2 {
		return 0, 0, 0, fmt.Errorf("rnn: u must be [%d, %d], got %v", hidden, hidden*2, us)
	}
	if wx.DType() != hInit.DType() || wx.DType() != u.DType() {
		return 0, 0, 0, fmt.Errorf("rnn: mixed dtypes %s/%s/%s", wx.DType(), hInit.DType(), u.DType())
	}
	return seqLen, batch, hidden, nil
}

package ligru

import (
	"fmt"

	"github.com/ligru-ml/ligru/internal/blas"
	"github.com/ligru-ml/ligru/internal/parallel"
	"github.com/ligru-ml/ligru/internal/stream"
	"github.com/ligru-ml/ligru/internal/tensor"
)

// BackwardPass orchestrates the reverse time scan.
//
// The per-step work (gate gradient, optional normalization backward,
// recurrent fold into the running hidden gradient) is inherently
// sequential and runs on the first stream. The sequence-wide
// recurrent-weight reduction has no step-to-step dependency and is
// hoisted onto the second stream, gated by an event recorded after the
// last step, so it overlaps with whatever the controlling goroutine
// issues next.
type BackwardPass[T tensor.Float] struct {
	batchSize  int
	inputSize  int
	hiddenSize int
	activation Activation
	pw         pointwise[T]

	handle     *blas.Handle[T]
	streams    [2]*stream.Stream
	event      *stream.Event
	syncStream *stream.Stream

	norm *layerNorm[T]

	cfg    parallel.Config
	closed bool
}

// NewBackwardPass creates a backward engine for fixed dimensions.
func NewBackwardPass[T tensor.Float](batchSize, inputSize, hiddenSize int,
	handle *blas.Handle[T], activation Activation, syncStream *stream.Stream) (*BackwardPass[T], error) {
	if batchSize <= 0 || hiddenSize <= 0 {
		return nil, fmt.Errorf("ligru: invalid dimensions batch=%d hidden=%d", batchSize, hiddenSize)
	}
	pw, err := activations[T](activation)
	if err != nil {
		return nil, err
	}
	return &BackwardPass[T]{
		batchSize:  batchSize,
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		activation: activation,
		pw:         pw,
		handle:     handle,
		streams:    [2]*stream.Stream{stream.New(), stream.New()},
		event:      stream.NewEvent(),
		syncStream: syncStream,
		cfg:        parallel.DefaultConfig(),
	}, nil
}

// UseLayerNorm enables the normalization backward co-pass. eps must
// match the forward pass exactly; the numerical pairing breaks
// otherwise.
func (b *BackwardPass[T]) UseLayerNorm(eps T) {
	b.norm = newLayerNorm[T](b.hiddenSize*2, eps, b.cfg)
}

// iterate issues one reverse step. With normalization, dwx (the gate
// gradient in the normalized basis) is mapped through the co-pass into
// tmpDwx (the raw-projection basis) before the recurrent fold; without
// it the fold consumes dwx directly.
func (b *BackwardPass[T]) iterate(u, hPrev, v, gradOut, dh, uhRaw, dwx, tmpDwx []T) error {
	batch := b.batchSize
	hidden := b.hiddenSize

	pw, cfg := b.pw, b.cfg
	b.streams[0].Submit(func() error {
		gateBackward(batch, hidden, hPrev, v, gradOut, dh, dwx, pw, cfg)
		return nil
	})

	fold := dwx
	if b.norm != nil {
		fold = tmpDwx
		norm := b.norm
		b.streams[0].Submit(func() error {
			norm.backward(batch, uhRaw, dwx, tmpDwx)
			return nil
		})
	}

	// dh += dwx_t @ U^T
	return b.handle.Gemm(false, true, batch, hidden, hidden*2, 1, fold, u, 1, dh)
}

// Run scans timeSteps steps in reverse and then issues the
// sequence-wide weight-gradient reduction.
//
// Buffer contract (all caller-owned, contiguous):
//
//	u       [hidden, 2*hidden]             recurrent weight
//	h       [timeSteps+1, batch, hidden]   hidden sequence from forward
//	v       [timeSteps, batch, 3*hidden]   gate cache from a training forward
//	gradOut [timeSteps+1, batch, hidden]   upstream gradient; row 0 is unused
//	uhRaw   [timeSteps, batch, 2*hidden]   raw projections from forward (layer norm only, nil otherwise)
//	tmpDwx  [timeSteps, batch, 2*hidden]   raw-basis gradient scratch (layer norm only, nil otherwise)
//	dwx     [timeSteps, batch, 2*hidden]   out: gate pre-activation gradients
//	du      [hidden, 2*hidden]             out: accumulated, caller zero-fills before first use
//	dh      [batch, hidden]                in/out: running hidden gradient; final value is d/dh_init
//
// Run only enqueues work; call Synchronize to observe completion.
func (b *BackwardPass[T]) Run(timeSteps int, u, h, v, gradOut, uhRaw, tmpDwx, dwx, du, dh []T) error {
	if b.closed {
		return fmt.Errorf("ligru: backward pass already closed")
	}
	if timeSteps <= 0 {
		return fmt.Errorf("ligru: invalid time steps %d", timeSteps)
	}
	NH := b.batchSize * b.hiddenSize
	if err := b.checkBuffers(timeSteps, NH, u, h, v, gradOut, uhRaw, tmpDwx, dwx, du, dh); err != nil {
		return err
	}

	saved := b.handle.Stream()
	b.handle.SetStream(b.streams[0])
	defer b.handle.SetStream(saved)

	for i := timeSteps - 1; i >= 0; i-- {
		var uhStep, tmpStep []T
		if b.norm != nil {
			uhStep = uhRaw[i*NH*2 : (i+1)*NH*2]
			tmpStep = tmpDwx[i*NH*2 : (i+1)*NH*2]
		}
		err := b.iterate(u,
			h[i*NH:(i+1)*NH],
			v[i*NH*3:(i+1)*NH*3],
			gradOut[(i+1)*NH:(i+2)*NH],
			dh,
			uhStep,
			dwx[i*NH*2:(i+1)*NH*2],
			tmpStep)
		if err != nil {
			return err
		}
	}

	// The reduction must not read dwx/h before the last step's writes
	// land; the event hands the dependency to the reduce stream without
	// blocking the controlling goroutine.
	b.event.Record(b.streams[0])
	b.event.Wait(b.streams[1])

	b.handle.SetStream(b.streams[1])
	fold := dwx
	if b.norm != nil {
		fold = tmpDwx
	}
	// du += H^T @ DWX over the flattened (time x batch) axis.
	return b.handle.Gemm(true, false, b.hiddenSize, b.hiddenSize*2, timeSteps*b.batchSize,
		1, h[:timeSteps*NH], fold, 1, du)
}

func (b *BackwardPass[T]) checkBuffers(timeSteps, nh int, u, h, v, gradOut, uhRaw, tmpDwx, dwx, du, dh []T) error {
	if len(u) < b.hiddenSize*b.hiddenSize*2 {
		return fmt.Errorf("ligru: u has %d elements, need %d", len(u), b.hiddenSize*b.hiddenSize*2)
	}
	if len(h) < (timeSteps+1)*nh {
		return fmt.Errorf("ligru: h has %d elements, need %d", len(h), (timeSteps+1)*nh)
	}
	if len(v) < timeSteps*nh*3 {
		return fmt.Errorf("ligru: v has %d elements, need %d", len(v), timeSteps*nh*3)
	}
	if len(gradOut) < (timeSteps+1)*nh {
		return fmt.Errorf("ligru: gradOut has %d elements, need %d", len(gradOut), (timeSteps+1)*nh)
	}
	if len(dwx) < timeSteps*nh*2 {
		return fmt.Errorf("ligru: dwx has %d elements, need %d", len(dwx), timeSteps*nh*2)
	}
	if len(du) < b.hiddenSize*b.hiddenSize*2 {
		return fmt.Errorf("ligru: du has %d elements, need %d", len(du), b.hiddenSize*b.hiddenSize*2)
	}
	if len(dh) < nh {
		return fmt.Errorf("ligru: dh has %d elements, need %d", len(dh), nh)
	}
	if b.norm != nil {
		if len(uhRaw) < timeSteps*nh*2 {
			return fmt.Errorf("ligru: uhRaw has %d elements, need %d", len(uhRaw), timeSteps*nh*2)
		}
		if len(tmpDwx) < timeSteps*nh*2 {
			return fmt.Errorf("ligru: tmpDwx has %d elements, need %d", len(tmpDwx), timeSteps*nh*2)
		}
	}
	return nil
}

// Synchronize blocks until all issued work has drained and reports the
// first device fault, if any.
func (b *BackwardPass[T]) Synchronize() error {
	if err := b.streams[0].Synchronize(); err != nil {
		return err
	}
	return b.streams[1].Synchronize()
}

// Close tears the engine down; see ForwardPass.Close for the hand-off
// semantics.
func (b *BackwardPass[T]) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	if b.syncStream != nil {
		b.event.Record(b.streams[1])
		b.event.Wait(b.syncStream)
		b.event.Record(b.streams[0])
		b.event.Wait(b.syncStream)
	} else {
		err = b.streams[1].Synchronize()
		if e := b.streams[0].Synchronize(); err == nil {
			err = e
		}
	}
	b.streams[1].Close()
	b.streams[0].Close()
	return err
}

package ligru

import (
	"fmt"

	"github.com/ligru-ml/ligru/internal/blas"
	"github.com/ligru-ml/ligru/internal/parallel"
	"github.com/ligru-ml/ligru/internal/stream"
	"github.com/ligru-ml/ligru/internal/tensor"
)

// ForwardPass orchestrates the sequential time scan of the layer.
//
// The engine owns two command streams and an event; all per-step work
// (recurrent GEMM, optional normalization, gate kernel) is issued on
// the first stream in program order, which is what guarantees step t's
// hidden state is visible to step t+1. The engine borrows every data
// buffer from the caller and never outlives a Run with references to
// them.
type ForwardPass[T tensor.Float] struct {
	training   bool
	batchSize  int
	inputSize  int
	hiddenSize int
	activation Activation
	pw         pointwise[T]

	handle     *blas.Handle[T]
	streams    [2]*stream.Stream
	event      *stream.Event
	syncStream *stream.Stream

	norm        *layerNorm[T]
	normScratch []T // [batch, 2*hidden] normalized projection, engine-owned

	cfg    parallel.Config
	closed bool
}

// NewForwardPass creates a forward engine for fixed dimensions. The
// blas handle is shared caller state; syncStream may be nil, in which
// case Close blocks the caller instead of handing pending work off.
func NewForwardPass[T tensor.Float](training bool, batchSize, inputSize, hiddenSize int,
	handle *blas.Handle[T], activation Activation, syncStream *stream.Stream) (*ForwardPass[T], error) {
	if batchSize <= 0 || hiddenSize <= 0 {
		return nil, fmt.Errorf("ligru: invalid dimensions batch=%d hidden=%d", batchSize, hiddenSize)
	}
	pw, err := activations[T](activation)
	if err != nil {
		return nil, err
	}
	return &ForwardPass[T]{
		training:   training,
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

// UseLayerNorm enables the normalization co-pass on the recurrent
// projection. Must be called before Run. With normalization enabled,
// Run's tmpUH buffer must hold one [batch, 2*hidden] row per time step
// so the backward pass can recompute the statistics.
func (f *ForwardPass[T]) UseLayerNorm(eps T) {
	f.norm = newLayerNorm[T](f.hiddenSize*2, eps, f.cfg)
	f.normScratch = make([]T, f.batchSize*f.hiddenSize*2)
}

// iterate issues one time step: recurrent projection, optional
// normalization, gate kernel. All on the scan stream, in order.
func (f *ForwardPass[T]) iterate(u, hPrev, hOut, v, wx, uh []T) error {
	batch := f.batchSize
	hidden := f.hiddenSize

	// uh = h_t @ U, [batch, 2*hidden]
	if err := f.handle.Gemm(false, false, batch, hidden*2, hidden, 1, hPrev, u, 0, uh); err != nil {
		return err
	}

	gateIn := uh
	if f.norm != nil {
		gateIn = f.normScratch
		norm, raw, scratch := f.norm, uh, f.normScratch
		f.streams[0].Submit(func() error {
			norm.forward(batch, raw, scratch)
			return nil
		})
	}

	pw, training, cfg := f.pw, f.training, f.cfg
	f.streams[0].Submit(func() error {
		gateForward(batch, hidden, wx, gateIn, hPrev, hOut, v, pw, training, cfg)
		return nil
	})
	return nil
}

// Run scans seqLength steps.
//
// Buffer contract (all caller-owned, contiguous):
//
//	wx    [seqLength, batch, 2*hidden]  precomputed input projection
//	u     [hidden, 2*hidden]            recurrent weight
//	h     [seqLength+1, batch, hidden]  h[0] prefilled with the initial state
//	v     [seqLength, batch, 3*hidden]  gate cache, written only when training (nil otherwise)
//	tmpUH [batch, 2*hidden] scratch, or [seqLength, batch, 2*hidden] when
//	      layer normalization is enabled (raw projections kept for backward)
//
// Run only enqueues work; call Synchronize to observe completion and
// any device fault.
func (f *ForwardPass[T]) Run(seqLength int, wx, u, h, v, tmpUH []T) error {
	if f.closed {
		return fmt.Errorf("ligru: forward pass already closed")
	}
	if seqLength <= 0 {
		return fmt.Errorf("ligru: invalid sequence length %d", seqLength)
	}
	NH := f.batchSize * f.hiddenSize
	if err := f.checkBuffers(seqLength, NH, wx, u, h, v, tmpUH); err != nil {
		return err
	}

	saved := f.handle.Stream()
	f.handle.SetStream(f.streams[0])
	defer f.handle.SetStream(saved)

	for i := 0; i < seqLength; i++ {
		uh := tmpUH
		if f.norm != nil {
			uh = tmpUH[i*NH*2 : (i+1)*NH*2]
		}
		var vStep []T
		if f.training {
			vStep = v[i*NH*3 : (i+1)*NH*3]
		}
		err := f.iterate(u,
			h[i*NH:(i+1)*NH],
			h[(i+1)*NH:(i+2)*NH],
			vStep,
			wx[i*NH*2:(i+1)*NH*2],
			uh)
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *ForwardPass[T]) checkBuffers(seqLength, nh int, wx, u, h, v, tmpUH []T) error {
	if len(wx) < seqLength*nh*2 {
		return fmt.Errorf("ligru: wx has %d elements, need %d", len(wx), seqLength*nh*2)
	}
	if len(u) < f.hiddenSize*f.hiddenSize*2 {
		return fmt.Errorf("ligru: u has %d elements, need %d", len(u), f.hiddenSize*f.hiddenSize*2)
	}
	if len(h) < (seqLength+1)*nh {
		return fmt.Errorf("ligru: h has %d elements, need %d", len(h), (seqLength+1)*nh)
	}
	if f.training && len(v) < seqLength*nh*3 {
		return fmt.Errorf("ligru: v has %d elements, need %d", len(v), seqLength*nh*3)
	}
	want := nh * 2
	if f.norm != nil {
		want = seqLength * nh * 2
	}
	if len(tmpUH) < want {
		return fmt.Errorf("ligru: tmpUH has %d elements, need %d", len(tmpUH), want)
	}
	return nil
}

// Synchronize blocks until all issued work has drained and reports the
// first device fault, if any.
func (f *ForwardPass[T]) Synchronize() error {
	if err := f.streams[0].Synchronize(); err != nil {
		return err
	}
	return f.streams[1].Synchronize()
}

// Close tears the engine down. With a sync stream, pending work is
// handed off through event-wait pairs and the caller is not blocked:
// the sync stream will not proceed past the waits until both internal
// streams have drained. Without one, Close blocks until both streams
// drain and reports any fault.
func (f *ForwardPass[T]) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	var err error
	if f.syncStream != nil {
		f.event.Record(f.streams[1])
		f.event.Wait(f.syncStream)
		f.event.Record(f.streams[0])
		f.event.Wait(f.syncStream)
	} else {
		err = f.streams[1].Synchronize()
		if e := f.streams[0].Synchronize(); err == nil {
			err = e
		}
	}
	f.streams[1].Close()
	f.streams[0].Close()
	return err
}

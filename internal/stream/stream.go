// Package stream provides asynchronous command streams and events.
//
// A Stream executes submitted work items one at a time in FIFO order on
// a dedicated worker goroutine, so work submitted in program order on a
// single stream is observed in program order. Events order work across
// streams. All submissions are expected to come from a single
// controlling goroutine; submission never blocks it.
package stream

import (
	"fmt"
	"sync"
)

// Task is one unit of device work.
type Task func() error

type item struct {
	fn Task
	// control items (event records, waits, sync markers) execute even on a
	// faulted stream, otherwise cross-stream waiters would hang.
	control bool
}

// Stream is an in-order asynchronous work queue.
//
// The first failing task faults the stream: remaining non-control work
// is discarded, since a failed step leaves downstream state undefined.
type Stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	closed bool
	err    error

	done chan struct{}
}

// New creates a stream and starts its worker.
func New() *Stream {
	s := &Stream{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *Stream) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		it := s.queue[0]
		s.queue = s.queue[1:]
		faulted := s.err != nil
		s.mu.Unlock()

		if faulted && !it.control {
			continue
		}
		if err := it.fn(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

func (s *Stream) submit(it item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic("stream: submit on closed stream")
	}
	s.queue = append(s.queue, it)
	s.cond.Signal()
}

// Submit enqueues a task. It never blocks the caller.
func (s *Stream) Submit(fn Task) {
	s.submit(item{fn: fn})
}

// Err returns the stream's sticky fault, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("stream faulted: %w", s.err)
	}
	return nil
}

// Synchronize blocks the caller until all previously submitted work has
// drained, then reports the stream's fault state.
func (s *Stream) Synchronize() error {
	ch := make(chan struct{})
	s.submit(item{control: true, fn: func() error {
		close(ch)
		return nil
	}})
	<-ch
	return s.Err()
}

// Close stops accepting work and lets the worker exit once the queue
// drains. It does not block; pair it with Synchronize or an event
// hand-off when completion must be observed.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Broadcast()
}

// Done is closed once the worker has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

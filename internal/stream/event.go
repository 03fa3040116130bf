package stream

import "sync"

// Event is a cross-stream synchronization point. Recording captures the
// position of a stream's queue; waiting makes another stream hold until
// the most recent recording has executed.
type Event struct {
	mu     sync.Mutex
	latest chan struct{}
}

// NewEvent creates an unrecorded event. Waiting on it is a no-op until
// it has been recorded.
func NewEvent() *Event {
	return &Event{}
}

// Record marks the current tail of s. A later Wait observes the
// recording that was most recent at the time Wait was called.
func (e *Event) Record(s *Stream) {
	ch := make(chan struct{})
	e.mu.Lock()
	e.latest = ch
	e.mu.Unlock()
	s.submit(item{control: true, fn: func() error {
		close(ch)
		return nil
	}})
}

// Wait makes s hold at its current tail until the recorded position has
// executed. The controlling goroutine is not blocked.
func (e *Event) Wait(s *Stream) {
	e.mu.Lock()
	ch := e.latest
	e.mu.Unlock()
	if ch == nil {
		return
	}
	s.submit(item{control: true, fn: func() error {
		<-ch
		return nil
	}})
}

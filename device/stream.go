// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"

	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/types/xsync"
)

// Event marks a point in a Stream: it's done when all work enqueued before it has finished.
type Event struct {
	latch *xsync.LatchWithValue[error]
}

func newEvent() *Event {
	return &Event{latch: xsync.NewLatchWithValue[error]()}
}

// Wait for the event and return the error of the work it marks, if any.
func (e *Event) Wait() error { return e.latch.Wait() }

// Done returns whether the event was reached.
func (e *Event) Done() bool { return e.latch.Test() }

// WaitChan returns a channel closed when the event is reached.
func (e *Event) WaitChan() <-chan struct{} { return e.latch.WaitChan() }

type task struct {
	fn    func() error
	event *Event
}

// Stream executes the work enqueued on it asynchronously, in FIFO order: work enqueued after
// another observes its results. There is no ordering across streams.
//
// The first error of a stream is sticky: it's returned by Synchronize, and later work is skipped
// with the same error until Synchronize is called.
type Stream struct {
	dev Device

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	err     error
	closed  bool
	stopped *xsync.Latch
}

// NewStream creates a stream and starts its worker goroutine. Call Close to stop it.
func NewStream(dev Device) *Stream {
	s := &Stream{dev: dev, stopped: xsync.NewLatch()}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Device of the stream.
func (s *Stream) Device() Device { return s.dev }

func (s *Stream) run() {
	defer s.stopped.Trigger()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		err := s.err
		s.mu.Unlock()

		if err == nil && t.fn != nil {
			err = t.fn()
			if err != nil {
				s.mu.Lock()
				if s.err == nil {
					s.err = err
				}
				s.mu.Unlock()
			}
		}
		t.event.latch.Trigger(err)
	}
}

// Enqueue work on the stream. The returned event is reached when fn returns.
func (s *Stream) Enqueue(fn func() error) *Event {
	event := newEvent()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		event.latch.Trigger(failure.Errorf(failure.InvalidState, "Enqueue on closed stream"))
		return event
	}
	s.queue = append(s.queue, task{fn: fn, event: event})
	s.cond.Signal()
	return event
}

// Record returns an event reached when all the work enqueued so far is done.
func (s *Stream) Record() *Event {
	return s.Enqueue(nil)
}

// StageInputsAsync enqueues StageInputs. host must not be modified until the returned event is reached.
func (s *Stream) StageInputsAsync(host [][]byte, buffers []*Buffer, nInput int) *Event {
	return s.Enqueue(func() error { return StageInputs(s.dev, host, buffers, nInput) })
}

// DrainOutputsAsync enqueues DrainOutputs. host is only valid after the returned event is reached.
func (s *Stream) DrainOutputsAsync(buffers []*Buffer, host [][]byte, nInput int) *Event {
	return s.Enqueue(func() error { return DrainOutputs(s.dev, buffers, host, nInput) })
}

// Synchronize waits for all enqueued work, and returns and clears the first error of the stream.
func (s *Stream) Synchronize() error {
	_ = s.Record().Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Close waits for the enqueued work to finish and stops the stream. It returns the stream error,
// if any. Closing a closed stream is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	s.stopped.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

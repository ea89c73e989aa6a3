package remote

import (
	"context"
	"sync"
)

// ChanStream is a Stream fed by a producer goroutine.
// The producer reads Context, delivers with Send and calls Finish exactly
// when it stops; the consumer reads Messages and may Close at any time.
type ChanStream struct {
	msgs   chan Message
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
	finish sync.Once
}

// NewChanStream creates a stream whose producer stops when parent is done
func NewChanStream(parent context.Context, buffer int) *ChanStream {
	ctx, cancel := context.WithCancel(parent)
	return &ChanStream{
		msgs:   make(chan Message, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is done once the consumer closed the stream or the parent ended
func (s *ChanStream) Context() context.Context {
	return s.ctx
}

// Send delivers msg, blocking until the consumer takes it.
// It returns false if the stream was closed first.
func (s *ChanStream) Send(msg Message) bool {
	select {
	case s.msgs <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish ends the stream with err. Errors after Close are dropped.
func (s *ChanStream) Finish(err error) {
	s.finish.Do(func() {
		s.mu.Lock()
		if !s.closed {
			s.err = err
		}
		s.mu.Unlock()
		close(s.msgs)
		s.cancel()
	})
}

// Messages implements Stream
func (s *ChanStream) Messages() <-chan Message {
	return s.msgs
}

// Err implements Stream
func (s *ChanStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements Stream
func (s *ChanStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

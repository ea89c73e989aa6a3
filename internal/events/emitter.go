// Package events provides a typed publish/subscribe primitive.
//
// Each Emitter carries a single payload type, so components expose one
// emitter per event name instead of a string-keyed handler table.
package events

import "sync"

// Subscription is returned by On. Off detaches the handler and may be
// called any number of times.
type Subscription struct {
	once sync.Once
	off  func()
}

// Off removes the handler. Safe on a nil subscription.
func (s *Subscription) Off() {
	if s == nil {
		return
	}
	s.once.Do(s.off)
}

type handler[T any] struct {
	id uint64
	fn func(T)
}

// Emitter delivers values of type T to its handlers in registration order
type Emitter[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []handler[T]
}

// On registers fn and returns its subscription
func (e *Emitter[T]) On(fn func(T)) *Subscription {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, handler[T]{id: id, fn: fn})
	e.mu.Unlock()

	return &Subscription{off: func() { e.remove(id) }}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Emit calls every handler registered at the time of the call.
// Handlers run on the caller's goroutine without the emitter lock held,
// so they may subscribe or unsubscribe.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]handler[T], len(e.handlers))
	copy(snapshot, e.handlers)
	e.mu.Unlock()

	for _, h := range snapshot {
		h.fn(v)
	}
}

// Len returns the number of registered handlers
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// Clear removes every handler
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.handlers = nil
	e.mu.Unlock()
}

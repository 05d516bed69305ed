package socket

import "sync"

// Subscription is returned by every On* method.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type handler[T any] struct {
	id uint64
	fn func(T)
}

// emitter is one typed notification channel. Handlers are stored in a
// copy-on-write slice so emit can iterate without holding the lock.
type emitter[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []handler[T]
}

func (e *emitter[T]) on(fn func(T)) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID

	handlers := make([]handler[T], len(e.handlers), len(e.handlers)+1)
	copy(handlers, e.handlers)
	e.handlers = append(handlers, handler[T]{id: id, fn: fn})

	return &Subscription{cancel: func() { e.remove(id) }}
}

func (e *emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	handlers := make([]handler[T], 0, len(e.handlers))
	for _, h := range e.handlers {
		if h.id != id {
			handlers = append(handlers, h)
		}
	}
	e.handlers = handlers
}

func (e *emitter[T]) off() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers = nil
}

func (e *emitter[T]) emit(v T) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, h := range handlers {
		h.fn(v)
	}
}

func (e *emitter[T]) len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.handlers)
}

package crosslock

import (
	"runtime"
	"sync"
)

type wakerState uint8

const (
	wakerArmed wakerState = iota
	wakerFired
	wakerDiscarded
)

// slot is the single-value handoff shared by a Waiter and its Waker.
type slot[T any] struct {
	mu     sync.Mutex
	done   chan struct{}
	value  T
	state  wakerState
	waited bool
}

// Waiter is the receiving half of a one-shot handoff created by [NewWaiter].
type Waiter[T any] struct {
	s *slot[T]
}

// Waker is the sending half of a one-shot handoff created by [NewWaiter].
//
// A Waker must be either woken with [Waker.Wake] or explicitly given up with
// [Waker.Discard]. Discarding an armed Waker panics, and so does letting one be
// garbage collected while still armed: a waiter that can never be woken is a
// deadlock and is reported as loudly as possible.
type Waker[T any] struct {
	s *slot[T]
}

// NewWaiter returns a connected Waiter/Waker pair.
func NewWaiter[T any]() (*Waiter[T], *Waker[T]) {
	s := &slot[T]{done: make(chan struct{})}
	wk := &Waker[T]{s: s}

	runtime.SetFinalizer(wk, finalizeWaker[T])

	return &Waiter[T]{s: s}, wk
}

func finalizeWaker[T any](wk *Waker[T]) {
	wk.s.mu.Lock()
	armed := wk.s.state == wakerArmed
	wk.s.mu.Unlock()

	if armed {
		panic(ErrWakerDiscarded)
	}
}

// Wait blocks until the paired Waker deposits a value and returns it.
// If the value is already there Wait returns immediately.
//
// Wait panics if called twice, or if the Waker is discarded.
func (w *Waiter[T]) Wait() T {
	s := w.s

	s.mu.Lock()
	if s.waited {
		s.mu.Unlock()
		panic("crosslock: Waiter.Wait called twice")
	}

	s.waited = true

	if s.state == wakerFired {
		v := s.value
		s.mu.Unlock()

		return v
	}
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == wakerDiscarded {
		panic(ErrWakerDiscarded)
	}

	return s.value
}

// Wake deposits v and releases the waiter. Wake panics if the Waker was
// already woken or discarded.
func (wk *Waker[T]) Wake(v T) {
	s := wk.s

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != wakerArmed {
		panic("crosslock: Waker.Wake called on a used waker")
	}

	s.value = v
	s.state = wakerFired
	close(s.done)

	runtime.SetFinalizer(wk, nil)
}

// Fired reports whether Wake has been called.
func (wk *Waker[T]) Fired() bool {
	wk.s.mu.Lock()
	defer wk.s.mu.Unlock()

	return wk.s.state == wakerFired
}

// Discard gives up the Waker. It is a no-op after Wake. On an armed Waker it
// releases a blocked [Waiter.Wait] (which then panics) and panics with
// [ErrWakerDiscarded].
func (wk *Waker[T]) Discard() {
	s := wk.s

	s.mu.Lock()
	if s.state != wakerArmed {
		s.mu.Unlock()

		return
	}

	s.state = wakerDiscarded
	close(s.done)
	s.mu.Unlock()

	runtime.SetFinalizer(wk, nil)
	panic(ErrWakerDiscarded)
}

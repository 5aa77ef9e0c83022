package kernel

import (
	"context"
	"sync"
)

// Future is a write-once result. The first Resolve or Reject wins. Callbacks
// registered with OnSettle run synchronously on the settling goroutine.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	value     T
	err       error
	callbacks []func()
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already holding value.
func Resolved[T any](value T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(value)
	return f
}

// Rejected returns a future already holding err.
func Rejected[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Reject(err)
	return f
}

// Resolve settles f with value. It reports whether this call settled f.
func (f *Future[T]) Resolve(value T) bool {
	return f.settle(value, nil)
}

// Reject settles f with err. It reports whether this call settled f.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(value T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return true
}

// OnSettle runs fn once f settles, immediately if it already has.
func (f *Future[T]) OnSettle(fn func()) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		fn()
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Done is closed once f settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Settled reports whether f has a value or error.
func (f *Future[T]) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Result returns the settled value, or ErrPending.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settled {
		var zero T
		return zero, ErrPending
	}
	return f.value, f.err
}

// Wait blocks until f settles or ctx is done. It must not be called from a
// task body; tasks suspend through their TaskContext instead.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

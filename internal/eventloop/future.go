package eventloop

import (
	"context"
	"sync/atomic"
)

// Future is a single-assignment result. The first call to Resolve or Fail wins;
// later calls are ignored and report false.
type Future[T any] struct {
	settled atomic.Bool
	done    chan struct{}
	value   T
	err     error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve completes the future with v.
func (f *Future[T]) Resolve(v T) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.value = v
	close(f.done)
	return true
}

// Fail completes the future with err.
func (f *Future[T]) Fail(err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.err = err
	close(f.done)
	return true
}

// Done is closed once the future has been resolved or failed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has completed.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Package eventloop provides the per-connection executor used by the protocol
// clients. Every task posted to a Loop runs on a single goroutine in FIFO order,
// so state owned by a connection (its operation table, request map, flags) can be
// mutated from tasks without further locking.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is submitted to a loop that has been stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop is a single-goroutine FIFO executor.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// New starts a loop goroutine and returns its handle.
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post enqueues fn and returns immediately. It reports false if the loop has
// been stopped, in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	l.signal()
	return true
}

// Do runs fn on the loop and waits for it to return. Because tasks run in FIFO
// order, returning from Do also guarantees that every task posted before it has
// completed. If ctx ends first Do returns ctx.Err() and fn may still run later.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting new tasks. Tasks already queued still run.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.signal()
}

// Done is closed once the loop goroutine has drained its queue after Stop.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

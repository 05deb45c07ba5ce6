package mcp

import (
	"context"
	"sync"
)

// Future is a single-assignment result handle. It resolves at most once,
// either with a value or with an error.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// NewFuture returns an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// completedFuture returns a Future already resolved with v.
func completedFuture[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.complete(v)
	return f
}

// failedFuture returns a Future already failed with err.
func failedFuture[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.fail(err)
	return f
}

// Done is closed once the future has resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future resolves or ctx is done. Giving up on ctx
// does not resolve the future.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the resolved value and error. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

func (f *Future[T]) complete(v T) bool {
	won := false
	f.once.Do(func() {
		f.val = v
		won = true
		close(f.done)
	})
	return won
}

func (f *Future[T]) fail(err error) bool {
	won := false
	f.once.Do(func() {
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Package async provides a single-resolution future used for every
// asynchronous operation (provider calls, store mutations, sync, planning).
package async

import (
	"context"
	"sync"
)

// Future is a value that becomes available exactly once, either as a
// result or as an error.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// Promise is the producer side of a Future.
type Promise[T any] struct {
	f *Future[T]
}

// NewPromise returns an unresolved promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{f: &Future[T]{done: make(chan struct{})}}
}

// Future returns the consumer side.
func (p *Promise[T]) Future() *Future[T] { return p.f }

// Resolve completes the future with v. Later calls are ignored.
func (p *Promise[T]) Resolve(v T) { p.f.complete(v, nil) }

// Reject completes the future with err. Later calls are ignored.
func (p *Promise[T]) Reject(err error) {
	var zero T
	p.f.complete(zero, err)
}

// Complete resolves or rejects depending on err.
func (p *Promise[T]) Complete(v T, err error) { p.f.complete(v, err) }

func (f *Future[T]) complete(v T, err error) {
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
	})
}

// Go runs fn on a new goroutine and returns its future.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	p := NewPromise[T]()
	go func() {
		p.Complete(fn(ctx))
	}()
	return p.Future()
}

// Resolved returns an already completed future.
func Resolved[T any](v T) *Future[T] {
	p := NewPromise[T]()
	p.Resolve(v)
	return p.Future()
}

// Failed returns an already rejected future.
func Failed[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.Reject(err)
	return p.Future()
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then calls fn on a separate goroutine once the future resolves.
func (f *Future[T]) Then(fn func(T, error)) {
	go func() {
		<-f.done
		fn(f.value, f.err)
	}()
}

// Map derives a new future from f's result.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	p := NewPromise[U]()
	f.Then(func(v T, err error) {
		if err != nil {
			p.Reject(err)
			return
		}
		p.Complete(fn(v))
	})
	return p.Future()
}

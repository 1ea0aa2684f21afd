// Package dispatch provides the client-side call plumbing: promises and
// futures for in-flight requests, call helpers, and the batch dispatcher
// that coalesces many logical calls to one actor into a single envelope.
package dispatch

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Future represents the result of an asynchronous request. Consumers wait
// for the result with Await or register a callback with OnComplete.
type Future[T any] interface {
	// Await blocks until the result is available or the context is
	// cancelled, then returns it.
	Await(ctx context.Context) fn.Result[T]

	// OnComplete registers a function invoked once the result is ready.
	// If the context is cancelled first, the callback receives the
	// context's error.
	OnComplete(ctx context.Context, f func(fn.Result[T]))
}

// Promise completes an associated Future. The producer of an asynchronous
// result uses the Promise to set the outcome exactly once; consumers use
// the Future to retrieve it.
type Promise[T any] struct {
	done   chan struct{}
	once   sync.Once
	result fn.Result[T]
}

// NewPromise creates an unresolved promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Complete attempts to set the result. It returns true if this call was
// the first to complete the promise.
func (p *Promise[T]) Complete(result fn.Result[T]) bool {
	won := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		won = true
	})

	return won
}

// Future returns the consumer side of the promise.
func (p *Promise[T]) Future() Future[T] {
	return p
}

// Await blocks until the result is available or the context is cancelled.
func (p *Promise[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-p.done:
		return p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// OnComplete registers a function invoked once the result is ready.
func (p *Promise[T]) OnComplete(ctx context.Context, f func(fn.Result[T])) {
	go func() {
		f(p.Await(ctx))
	}()
}

// CompletedFuture returns a future already resolved with the given result.
func CompletedFuture[T any](result fn.Result[T]) Future[T] {
	p := NewPromise[T]()
	p.Complete(result)

	return p
}

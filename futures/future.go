// Package futures provides a minimal cancellable future over a goroutine and
// a buffered channel, the same combinator a caller would otherwise hand-roll
// with a goroutine, a result channel, and a select against a timeout or
// context. The Peer Chain Validator and Fork Choice Engine use it to chain
// suspending lookups (status exchange, block-by-slot) without blocking the
// calling goroutine on each step.
package futures

import "context"

// Future represents the eventual result of an asynchronous computation.
type Future[T any] struct {
	ch  chan result[T]
	ctx context.Context
}

type result[T any] struct {
	val T
	err error
}

// New starts fn in its own goroutine and returns a Future for its result.
// fn is expected to respect ctx's cancellation itself when it can block;
// Future only uses ctx to unblock callers waiting on Get.
func New[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{ch: make(chan result[T], 1), ctx: ctx}
	go func() {
		val, err := fn(ctx)
		f.ch <- result[T]{val: val, err: err}
	}()
	return f
}

// Completed returns a Future that is already resolved to val, err.
func Completed[T any](val T, err error) *Future[T] {
	f := &Future[T]{ch: make(chan result[T], 1)}
	f.ch <- result[T]{val: val, err: err}
	return f
}

// Get blocks until the future resolves or ctx (the one passed to New, if
// any) or the caller's own done channel fires first.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	var newDone <-chan struct{}
	if f.ctx != nil {
		newDone = f.ctx.Done()
	}
	select {
	case r := <-f.ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-newDone:
		var zero T
		return zero, f.ctx.Err()
	}
}

// ThenApply returns a new Future that applies fn to this future's value once
// it resolves successfully. An error short-circuits fn and propagates.
func ThenApply[T, U any](f *Future[T], fn func(T) U) *Future[U] {
	out := &Future[U]{ch: make(chan result[U], 1)}
	go func() {
		r := <-f.ch
		if r.err != nil {
			var zero U
			out.ch <- result[U]{val: zero, err: r.err}
			return
		}
		out.ch <- result[U]{val: fn(r.val)}
	}()
	return out
}

// ThenCompose chains a future-producing function onto this future's
// successful result, flattening the nested future.
func ThenCompose[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out := &Future[U]{ch: make(chan result[U], 1)}
	go func() {
		r := <-f.ch
		if r.err != nil {
			var zero U
			out.ch <- result[U]{val: zero, err: r.err}
			return
		}
		inner := fn(r.val)
		ir := <-inner.ch
		out.ch <- ir
	}()
	return out
}

// Exceptionally returns a new Future that recovers from an error by
// applying fn to it, producing a value instead. A successful future passes
// through unchanged.
func (f *Future[T]) Exceptionally(fn func(error) T) *Future[T] {
	out := &Future[T]{ch: make(chan result[T], 1)}
	go func() {
		r := <-f.ch
		if r.err != nil {
			out.ch <- result[T]{val: fn(r.err)}
			return
		}
		out.ch <- r
	}()
	return out
}

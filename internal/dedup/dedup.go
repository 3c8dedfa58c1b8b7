// Package dedup collapses concurrent operations that share a key onto a
// single execution.
package dedup

import (
	"context"
	"fmt"
	"sync"
)

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Registry tracks at most one in-flight operation per key. Unlike
// singleflight, a caller that joined an operation which then failed may run
// one fresh attempt of its own.
type Registry[T any] struct {
	mu       sync.Mutex
	inflight map[string]*call[T]
	retryIf  func(error) bool
}

type Option[T any] func(*Registry[T])

// WithRetryIf limits the waiter retry to failures for which fn returns true.
// By default every failure is retried once.
func WithRetryIf[T any](fn func(error) bool) Option[T] {
	return func(r *Registry[T]) { r.retryIf = fn }
}

func New[T any](opts ...Option[T]) *Registry[T] {
	r := &Registry[T]{inflight: make(map[string]*call[T])}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Do runs fn for key unless an operation for key is already in flight, in
// which case it waits for that operation and returns its result with
// shared=true. If the awaited operation fails, the waiter starts (or joins)
// exactly one new attempt. The entry for key is removed when fn returns,
// panics included.
func (r *Registry[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	return r.do(ctx, key, fn, true)
}

func (r *Registry[T]) do(ctx context.Context, key string, fn func(context.Context) (T, error), retry bool) (T, bool, error) {
	r.mu.Lock()
	if c, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
			var zero T
			return zero, true, ctx.Err()
		}
		if c.err == nil {
			return c.val, true, nil
		}
		if retry && (r.retryIf == nil || r.retryIf(c.err)) {
			return r.do(ctx, key, fn, false)
		}
		return c.val, true, c.err
	}
	c := &call[T]{done: make(chan struct{})}
	r.inflight[key] = c
	r.mu.Unlock()

	r.run(ctx, key, c, fn)
	return c.val, false, c.err
}

func (r *Registry[T]) run(ctx context.Context, key string, c *call[T], fn func(context.Context) (T, error)) {
	defer func() {
		if p := recover(); p != nil {
			c.err = fmt.Errorf("operation %q panicked: %v", key, p)
		}
		r.mu.Lock()
		if r.inflight[key] == c {
			delete(r.inflight, key)
		}
		r.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn(ctx)
}

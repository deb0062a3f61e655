// Package interceptor implements ordered pre/post transform pipelines.
//
// A Chain holds (on-success, on-failure) handler pairs in registration order.
// Handles returned by Use are stable slot indices; Eject tombstones a slot
// without shifting the others, so an ejected handler never runs again.
package interceptor

import (
	"context"
	"sync"
)

// SuccessFunc transforms a value or fails.
type SuccessFunc[T any] func(ctx context.Context, v T) (T, error)

// FailureFunc receives an upstream error. Returning a nil error recovers the
// pipeline with the returned value.
type FailureFunc[T any] func(ctx context.Context, err error) (T, error)

// Handler is one registered pair. Either side may be nil.
type Handler[T any] struct {
	OnSuccess SuccessFunc[T]
	OnFailure FailureFunc[T]
}

type slot[T any] struct {
	handler Handler[T]
	ejected bool
}

// Chain is safe for concurrent registration and execution.
type Chain[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
}

// Use appends a handler pair and returns its handle.
func (c *Chain[T]) Use(onSuccess SuccessFunc[T], onFailure FailureFunc[T]) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots = append(c.slots, slot[T]{handler: Handler[T]{OnSuccess: onSuccess, OnFailure: onFailure}})
	return len(c.slots) - 1
}

// Eject disables the handler registered under id. Unknown ids are ignored.
func (c *Chain[T]) Eject(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.slots) {
		return
	}
	c.slots[id] = slot[T]{ejected: true}
}

// ForEach calls fn for every live handler in registration order.
func (c *Chain[T]) ForEach(fn func(Handler[T])) {
	for _, h := range c.snapshot() {
		fn(h)
	}
}

// Len returns the number of live handlers.
func (c *Chain[T]) Len() int {
	return len(c.snapshot())
}

// Run pushes (v, err) through the live handlers. While err is nil each
// OnSuccess transforms the value; once err is set, success handlers are
// skipped until an OnFailure handler returns a nil error.
func (c *Chain[T]) Run(ctx context.Context, v T, err error) (T, error) {
	for _, h := range c.snapshot() {
		if err == nil {
			if h.OnSuccess != nil {
				v, err = h.OnSuccess(ctx, v)
			}
			continue
		}
		if h.OnFailure != nil {
			v, err = h.OnFailure(ctx, err)
		}
	}
	return v, err
}

func (c *Chain[T]) snapshot() []Handler[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	live := make([]Handler[T], 0, len(c.slots))
	for _, s := range c.slots {
		if !s.ejected {
			live = append(live, s.handler)
		}
	}
	return live
}

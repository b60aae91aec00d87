package session

import (
	"context"
	"sync"
)

// Completion is a single-shot, single-consumer synchronization point.
// It is created empty, resolved exactly once, and awaited by exactly one
// caller. Resolving an already-resolved completion is a no-op so a late
// poll tick cannot race an earlier terminal resolution into a panic.
type Completion[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Resolve stores the value and wakes the waiter. It reports whether this
// call was the one that resolved the completion.
func (c *Completion[T]) Resolve(v T) bool {
	resolved := false
	c.once.Do(func() {
		c.val = v
		resolved = true
		close(c.done)
	})
	return resolved
}

// Resolved reports whether the completion has been resolved.
func (c *Completion[T]) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done exposes the resolution channel for select loops.
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the completion is resolved or the context ends.
// No timeout is enforced here: a flow whose remote side never confirms
// hangs until the caller cancels the context.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

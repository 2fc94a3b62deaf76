// Package observable provides an owned broadcast value with replay of the
// latest state for any number of subscribers.
package observable

import (
	"context"
	"sync"
)

// Value holds the current state and pushes every change to its subscribers.
// A subscriber always receives the current value first. A slow subscriber
// skips intermediate values but never observes a stale one after a newer one.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	subs    map[chan T]struct{}
	changed chan struct{}
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		current: initial,
		subs:    make(map[chan T]struct{}),
		changed: make(chan struct{}),
	}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setLocked(next)
}

// Update applies fn to the current value atomically and publishes the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := fn(v.current)
	v.setLocked(next)
	return next
}

func (v *Value[T]) setLocked(next T) {
	v.current = next
	for ch := range v.subs {
		offerLatest(ch, next)
	}
	close(v.changed)
	v.changed = make(chan struct{})
}

// offerLatest replaces any undelivered value in ch with next. Caller holds
// the lock, so it is the only sender.
func offerLatest[T any](ch chan T, next T) {
	select {
	case ch <- next:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- next:
	default:
	}
}

// Subscribe returns a channel that replays the current value and then every
// newer one. The channel is closed when ctx is done.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	v.mu.Lock()
	ch <- v.current
	v.subs[ch] = struct{}{}
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.subs, ch)
		close(ch)
		v.mu.Unlock()
	}()
	return ch
}

// Wait blocks until pred holds for the current value or ctx is done.
func (v *Value[T]) Wait(ctx context.Context, pred func(T) bool) (T, error) {
	for {
		v.mu.Lock()
		current := v.current
		changed := v.changed
		v.mu.Unlock()

		if pred(current) {
			return current, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-changed:
		}
	}
}

// SubscriberCount is exposed for diagnostics and tests.
func (v *Value[T]) SubscriberCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

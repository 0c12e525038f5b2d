// Package waiter provides a keyed registry of one-shot callbacks. It is the
// suspension primitive behind every blocking call in the engine: a caller
// registers a callback (or uses WaitForResponse) against an opaque key and is
// woken exactly once when that key is notified, cancelled, or times out.
package waiter

import (
	"sync"
	"time"
)

type entry[T any] struct {
	id int64
	fn func(T)
}

// Registry holds FIFO waiter lists keyed by K. Entry slices are treated as
// immutable: every mutation builds a new slice, so a callback that
// synchronously re-registers or cancels cannot corrupt an in-progress
// notification.
type Registry[K comparable, T any] struct {
	mu      sync.Mutex
	nextID  int64
	waiters map[K][]entry[T]
}

// NewRegistry creates an empty waiter registry.
func NewRegistry[K comparable, T any]() *Registry[K, T] {
	return &Registry[K, T]{waiters: make(map[K][]entry[T])}
}

// Register appends fn to the key's FIFO list. The returned cancel function
// removes exactly that registration if it is still present; calling it after
// the callback fired is a no-op.
func (r *Registry[K, T]) Register(key K, fn func(T)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	cur := r.waiters[key]
	next := make([]entry[T], len(cur), len(cur)+1)
	copy(next, cur)
	r.waiters[key] = append(next, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cur := r.waiters[key]
		for i, e := range cur {
			if e.id == id {
				next := make([]entry[T], 0, len(cur)-1)
				next = append(next, cur[:i]...)
				next = append(next, cur[i+1:]...)
				if len(next) == 0 {
					delete(r.waiters, key)
				} else {
					r.waiters[key] = next
				}
				return
			}
		}
	}
}

// NotifyFirst invokes and removes only the earliest-registered callback for
// key. Later callbacks stay registered for subsequent notifications. Returns
// whether a callback fired.
func (r *Registry[K, T]) NotifyFirst(key K, data T) bool {
	r.mu.Lock()
	cur := r.waiters[key]
	if len(cur) == 0 {
		r.mu.Unlock()
		return false
	}
	first := cur[0]
	rest := cur[1:]
	if len(rest) == 0 {
		delete(r.waiters, key)
	} else {
		next := make([]entry[T], len(rest))
		copy(next, rest)
		r.waiters[key] = next
	}
	r.mu.Unlock()

	// Invoke outside the lock: the callback may call back into the registry.
	first.fn(data)
	return true
}

// NotifyAll invokes and removes every callback for key, in registration order.
// Returns the number of callbacks fired.
func (r *Registry[K, T]) NotifyAll(key K, data T) int {
	r.mu.Lock()
	cur := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()

	for _, e := range cur {
		e.fn(data)
	}
	return len(cur)
}

// HasWaiters reports whether any callback is registered for key.
func (r *Registry[K, T]) HasWaiters(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[key]) > 0
}

// WaiterCount returns the number of callbacks registered for key.
func (r *Registry[K, T]) WaiterCount(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[key])
}

// ClearAll drops every callback for key without invoking any of them. Used on
// cancellation and session teardown.
func (r *Registry[K, T]) ClearAll(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, key)
}

// Pending is a registered waiter whose blocking wait is deferred. Callers
// that guard their own state with a mutex register while still holding it and
// block after releasing it, so a notification arriving in the gap cannot be
// missed.
type Pending[T any] struct {
	ch     chan T
	cancel func()
}

// Prepare registers a waiter for key and returns its pending handle.
func (r *Registry[K, T]) Prepare(key K) *Pending[T] {
	ch := make(chan T, 1)
	cancel := r.Register(key, func(data T) {
		ch <- data
	})
	return &Pending[T]{ch: ch, cancel: cancel}
}

// Await blocks until the waiter is notified or timeout elapses. It resolves
// exactly once: a notification stops the timer, and a timeout deregisters the
// waiter, so neither path can leak or double-fire. The second return value is
// false on timeout.
func (p *Pending[T]) Await(timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-p.ch:
		return data, true
	case <-timer.C:
		p.cancel()
		// The notifier may have fired between the timer expiring and the
		// cancel taking effect; prefer the delivered payload in that race.
		select {
		case data := <-p.ch:
			return data, true
		default:
		}
		var zero T
		return zero, false
	}
}

// Cancel deregisters the waiter without waiting.
func (p *Pending[T]) Cancel() { p.cancel() }

// WaitForResponse blocks until key is notified or timeout elapses. The second
// return value is false on timeout. It is Prepare followed by Await for
// callers with no lock of their own to straddle.
func (r *Registry[K, T]) WaitForResponse(key K, timeout time.Duration) (T, bool) {
	return r.Prepare(key).Await(timeout)
}

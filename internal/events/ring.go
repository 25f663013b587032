// Package events carries account-lifecycle events and recent log lines to
// debug endpoints: a bounded ring of history plus non-blocking fan-out to
// subscribers.
package events

import "sync"

// ring keeps the last N values and fans new ones out to subscribers. Slow
// subscribers drop values instead of blocking the publisher.
type ring[T any] struct {
	mu          sync.Mutex
	buf         []T
	pos         int
	count       int
	subscribers map[int]chan T
	nextID      int
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{
		buf:         make([]T, size),
		subscribers: make(map[int]chan T),
	}
}

func (r *ring[T]) publish(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.pos] = v
	r.pos = (r.pos + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}

	for _, ch := range r.subscribers {
		select {
		case ch <- v:
		default:
		}
	}
}

func (r *ring[T]) subscribe() (int, <-chan T, []T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan T, 64)
	id := r.nextID
	r.nextID++
	r.subscribers[id] = ch
	return id, ch, r.recentLocked()
}

func (r *ring[T]) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.subscribers[id]; ok {
		delete(r.subscribers, id)
		close(ch)
	}
}

func (r *ring[T]) recent() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentLocked()
}

func (r *ring[T]) recentLocked() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	start := (r.pos - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

package stream

import "sync"

// Ring is a fixed-capacity FIFO that evicts the oldest entry when full.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	start int
	size  int
}

// NewRing returns a Ring holding at most capacity entries. A non-positive
// capacity is treated as 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends value, evicting the oldest entry if the ring is full.
func (r *Ring[T]) Push(value T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.start+r.size)%capacity] = value
		r.size++
		return
	}
	r.items[r.start] = value
	r.start = (r.start + 1) % capacity
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

// Len reports the number of stored entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap reports the maximum number of entries.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Clear drops every entry.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.start = 0
	r.size = 0
}

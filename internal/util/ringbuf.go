package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity (minimum 1).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item. When the buffer was full the overwritten element is
// returned with evicted=true.
func (r *RingBuffer[T]) Push(item T) (old T, evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		old, evicted = r.buf[idx], true
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.buf[idx] = item
	return old, evicted
}

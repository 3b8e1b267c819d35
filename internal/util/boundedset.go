package util

import "sync"

// BoundedSet remembers at most capacity keys; adding past capacity forgets
// the oldest key. Safe for concurrent use.
type BoundedSet struct {
	mu    sync.Mutex
	order *RingBuffer[string]
	keys  map[string]struct{}
}

func NewBoundedSet(capacity int) *BoundedSet {
	return &BoundedSet{
		order: NewRingBuffer[string](capacity),
		keys:  make(map[string]struct{}),
	}
}

// Add inserts key. Re-adding a present key does not refresh its age.
func (s *BoundedSet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return
	}
	s.keys[key] = struct{}{}
	if old, evicted := s.order.Push(key); evicted {
		delete(s.keys, old)
	}
}

func (s *BoundedSet) Contains(key string) bool {
	s.mu.Lock()
	_, ok := s.keys[key]
	s.mu.Unlock()
	return ok
}


package transcript

import (
	"container/list"
	"sync"
)

// lruSet is a bounded set of recently-delivered fingerprints. When full, the
// oldest entry is evicted.
type lruSet struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	if capacity <= 0 {
		capacity = 50
	}
	return &lruSet{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

// Contains reports whether the fingerprint was recently delivered.
func (s *lruSet) Contains(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[fp]
	return ok
}

// Add records a fingerprint, refreshing it if already present. Returns false
// when the fingerprint was already in the set.
func (s *lruSet) Add(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[fp]; ok {
		s.order.MoveToFront(el)
		return false
	}

	s.items[fp] = s.order.PushFront(fp)
	if s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
	return true
}

// Len returns the number of remembered fingerprints.
func (s *lruSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

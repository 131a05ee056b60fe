package freshness

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Store holds cache entries keyed by logical request identity and owns their
// LRU order. It is a pure data structure: no I/O, no fetch decisions. The
// Coordinator and invalidation calls are its only writers.
type Store[V any] struct {
	maxEntries int
	clock      clockwork.Clock

	mu        sync.Mutex
	ll        *list.List               // Recency order, most recently touched at the front.
	elements  map[string]*list.Element // Fast key lookups; values are *Entry[V].
	evictions uint64
}

// NewStore creates a size-limited entry store.
// - maxEntries: maximum number of entries to hold. Must be > 0.
// - clock: time source for expiry checks; pass nil for the real clock.
func NewStore[V any](maxEntries int, clock clockwork.Clock) (*Store[V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store[V]{
		maxEntries: maxEntries,
		clock:      clock,
		ll:         list.New(),
		elements:   make(map[string]*list.Element),
	}, nil
}

// Get returns the entry for key, including entries past their hard TTL: the
// record may still be wanted for metadata or stale-tolerant reads. Callers
// deciding freshness must consult Entry.TierAt. Get does not bump LRU order;
// use Touch for that.
func (s *Store[V]) Get(key string) (*Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.elements[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Entry[V]), true
}

// Set inserts or replaces the entry for key and makes it the most recently
// touched. It does not evict; callers follow up with EvictOverCapacity.
func (s *Store[V]) Set(key string, entry *Entry[V]) {
	entry.Key = key
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.elements[key]; ok {
		elem.Value = entry
		s.ll.MoveToFront(elem)
		return
	}
	s.elements[key] = s.ll.PushFront(entry)
}

// Delete removes the entry for key, if present.
func (s *Store[V]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.elements[key]
	if !ok {
		return false
	}
	s.ll.Remove(elem)
	delete(s.elements, key)
	return true
}

// Touch marks key as most recently used without reading its data.
func (s *Store[V]) Touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.elements[key]; ok {
		s.ll.MoveToFront(elem)
	}
}

// EvictOverCapacity drops hard-expired entries first, then evicts least
// recently touched entries until the store is back at capacity. It returns
// the keys removed.
func (s *Store[V]) EvictOverCapacity() []string {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	if s.ll.Len() > s.maxEntries {
		for elem := s.ll.Back(); elem != nil; {
			prev := elem.Prev()
			entry := elem.Value.(*Entry[V])
			if entry.TierAt(now) == TierExpired && entry.pending == nil {
				s.ll.Remove(elem)
				delete(s.elements, entry.Key)
				removed = append(removed, entry.Key)
			}
			elem = prev
		}
	}
	for s.ll.Len() > s.maxEntries {
		elem := s.ll.Back()
		entry := s.ll.Remove(elem).(*Entry[V])
		delete(s.elements, entry.Key)
		removed = append(removed, entry.Key)
	}
	s.evictions += uint64(len(removed))
	return removed
}

// Keys returns every key currently in the store, most recently touched first.
func (s *Store[V]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, s.ll.Len())
	for elem := s.ll.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*Entry[V]).Key)
	}
	return keys
}

// Len returns the number of entries held, including expired ones.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// Clear removes every entry.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ll.Init()
	s.elements = make(map[string]*list.Element)
}

// Evictions returns the number of entries removed by capacity eviction since
// the store was created.
func (s *Store[V]) Evictions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

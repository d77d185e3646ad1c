package kvstore

import (
	"sync"
)

// KVStore is a map guarded by a RWMutex.
type KVStore[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

// New creates new KVStore instance.
func New[K comparable, V any]() *KVStore[K, V] {
	return &KVStore[K, V]{data: make(map[K]V)}
}

// Get returns value by key.
func (s *KVStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.data[key]
	return item, ok
}

// GetOrSet returns the value stored by key, creating it with newFn
// when absent. newFn is called under the write lock at most once per key.
func (s *KVStore[K, V]) GetOrSet(key K, newFn func() V) V {
	if item, ok := s.Get(key); ok {
		return item
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.data[key]; ok {
		return item
	}
	item := newFn()
	s.data[key] = item
	return item
}

// Set stores value in storage making it accessible by key.
func (s *KVStore[K, V]) Set(key K, data V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
}

// Remove entry by key.
func (s *KVStore[K, V]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

// RemoveFunc deletes every entry for which drop returns true
// and reports how many were removed.
func (s *KVStore[K, V]) RemoveFunc(drop func(K, V) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, v := range s.data {
		if drop(k, v) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries.
func (s *KVStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

package cache

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
)

const numShards = 16

// Map is a sharded concurrent map. Unrelated keys land on independent
// shards, so writers for different requests never serialize on one lock.
type Map[K comparable, V any] struct {
	shards [numShards]*shard[K, V]
	hash   func(K) uint32
}

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewMap creates a sharded map using the given key hasher.
func NewMap[K comparable, V any](hash func(K) uint32) *Map[K, V] {
	m := &Map[K, V]{hash: hash}
	for i := 0; i < numShards; i++ {
		m.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return m
}

// NewStringMap creates a sharded map keyed by string.
func NewStringMap[V any]() *Map[string, V] {
	return NewMap[string, V](StringHash)
}

// NewInt64Map creates a sharded map keyed by int64.
func NewInt64Map[V any]() *Map[int64, V] {
	return NewMap[int64, V](Int64Hash)
}

// StringHash hashes a string key.
func StringHash(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// Int64Hash hashes an int64 key.
func Int64Hash(key int64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	h := fnv.New32a()
	h.Write(buf[:])
	return h.Sum32()
}

func (m *Map[K, V]) getShard(key K) *shard[K, V] {
	return m.shards[m.hash(key)%numShards]
}

// Get retrieves the value for a key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	s := m.getShard(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Set stores a value for a key.
func (m *Map[K, V]) Set(key K, value V) {
	s := m.getShard(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// SetIfAbsent stores value only when the key is not present. It returns the
// value now in the map and whether this call inserted it.
func (m *Map[K, V]) SetIfAbsent(key K, value V) (V, bool) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[key]; ok {
		return existing, false
	}
	s.items[key] = value
	return value, true
}

// Delete removes a key.
func (m *Map[K, V]) Delete(key K) {
	s := m.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// GetAndDelete atomically removes a key and returns its prior value.
// Only one caller observes ok=true for a given insert; this is what makes
// remove-before-release exactly-once.
func (m *Map[K, V]) GetAndDelete(key K) (V, bool) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

// Update applies fn to the current value under the shard lock and stores the
// result. fn receives the zero value when the key is absent.
func (m *Map[K, V]) Update(key K, fn func(V, bool) V) {
	s := m.getShard(key)
	s.mu.Lock()
	cur, ok := s.items[key]
	s.items[key] = fn(cur, ok)
	s.mu.Unlock()
}

// Len returns total items across all shards.
func (m *Map[K, V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Range calls fn for every entry; iteration holds one shard read lock at a
// time. fn must not call back into the map for keys on the same shard.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Keys returns a snapshot of all keys.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0)
	for _, s := range m.shards {
		s.mu.RLock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}

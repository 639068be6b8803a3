package maps

import (
	"sync"
)

const numShards = 64 // must be a power of 2

type shard[K Integer, V any] struct {
	sync.RWMutex
	m map[K]V
}

// ShardedMap partitions keys over numShards RWMutex-protected maps.
type ShardedMap[K Integer, V any] struct {
	shards [numShards]shard[K, V]
}

// NewShardedMap creates and initializes a new ShardedMap.
func NewShardedMap[K Integer, V any]() ConcurrentMap[K, V] {
	m := &ShardedMap[K, V]{}
	for i := range numShards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *ShardedMap[K, V]) getShard(key K) *shard[K, V] {
	return &m.shards[uint64(key)&(numShards-1)]
}

func (m *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.m[key]
	return val, ok
}

func (m *ShardedMap[K, V]) Store(key K, value V) {
	s := m.getShard(key)
	s.Lock()
	s.m[key] = value
	s.Unlock()
}

func (m *ShardedMap[K, V]) Delete(key K) {
	s := m.getShard(key)
	s.Lock()
	delete(s.m, key)
	s.Unlock()
}

func (m *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	for i := range numShards {
		s := &m.shards[i]
		s.RLock()
		keys := make([]K, 0, len(s.m))
		values := make([]V, 0, len(s.m))
		for k, v := range s.m {
			keys = append(keys, k)
			values = append(values, v)
		}
		s.RUnlock()

		for j := range keys {
			if !f(keys[j], values[j]) {
				return
			}
		}
	}
}

func (m *ShardedMap[K, V]) Len() int {
	n := 0
	for i := range numShards {
		s := &m.shards[i]
		s.RLock()
		n += len(s.m)
		s.RUnlock()
	}
	return n
}

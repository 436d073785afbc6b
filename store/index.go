package store

import (
	"sync"

	"github.com/zhangxinngang/murmur"
	kv_logcask "kv-logcask"
)

// DefaultShards is the number of index shards used unless configured
// otherwise.
const DefaultShards = 16

type shard[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
}

// shardedIndex spreads keys over a fixed set of mutex guarded maps chosen by
// the murmur3 hash of the key.
type shardedIndex[V any] struct {
	shards []*shard[V]
}

var _ kv_logcask.Index[string, int] = new(shardedIndex[int])

func newShardedIndex[V any](shards int) *shardedIndex[V] {
	if shards < 1 {
		shards = 1
	}

	index := &shardedIndex[V]{
		shards: make([]*shard[V], shards),
	}
	for i := range index.shards {
		index.shards[i] = &shard[V]{entries: make(map[string]V)}
	}
	return index
}

func (s *shardedIndex[V]) shardFor(key string) *shard[V] {
	return s.shards[murmur.Murmur3([]byte(key))%uint32(len(s.shards))]
}

func (s *shardedIndex[V]) Get(key string) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, ok := sh.entries[key]
	return value, ok
}

func (s *shardedIndex[V]) Set(key string, value V) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.entries[key] = value
}

func (s *shardedIndex[V]) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.entries[key]
	delete(sh.entries, key)
	return ok
}

func (s *shardedIndex[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

func (s *shardedIndex[V]) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		clear(sh.entries)
		sh.mu.Unlock()
	}
}

// Range calls method for every entry until it returns false. Each shard is
// copied before method runs, so method may call back into the index.
func (s *shardedIndex[V]) Range(method func(key string, value V) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		snapshot := make(map[string]V, len(sh.entries))
		for key, value := range sh.entries {
			snapshot[key] = value
		}
		sh.mu.RUnlock()

		for key, value := range snapshot {
			if !method(key, value) {
				return
			}
		}
	}
}

// Package syncutil provides keyed locking and keyed ordered execution.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 256

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Memory stays bounded regardless of how many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard.
// The zero value is ready to use.
type ShardedMutex struct {
	shards [defaultShards]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key, defaultShards)]
	mu.Lock()
	return mu.Unlock
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n)) //nolint:gosec // n is a small positive shard count
}

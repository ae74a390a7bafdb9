package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const tableShards = 32

// counterShard is one partition of the counter table.
type counterShard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// counterTable holds per-subject window counters, partitioned by key hash so
// concurrent invocations rarely contend on the same lock.
type counterTable struct {
	shards [tableShards]counterShard
}

func newCounterTable() *counterTable {
	t := &counterTable{}
	for i := range t.shards {
		t.shards[i].counters = make(map[string]*counter)
	}
	return t
}

func (t *counterTable) shardFor(key string) *counterShard {
	return &t.shards[xxhash.Sum64String(key)%tableShards]
}

// update runs fn against the counter for key under the shard lock, creating
// the counter first if absent. fn must not block.
func (t *counterTable) update(key string, fn func(c *counter)) {
	s := t.shardFor(key)
	s.mu.Lock()
	c, ok := s.counters[key]
	if !ok {
		c = &counter{}
		s.counters[key] = c
	}
	fn(c)
	s.mu.Unlock()
}

// prune deletes counters for which fn reports true.
func (t *counterTable) prune(fn func(c *counter) bool) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, c := range s.counters {
			if fn(c) {
				delete(s.counters, k)
			}
		}
		s.mu.Unlock()
	}
}

// reset drops every counter.
func (t *counterTable) reset() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		s.counters = make(map[string]*counter)
		s.mu.Unlock()
	}
}

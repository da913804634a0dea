package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/trustmesh/repcore/pkg/contracts"
)

const memoryShards = 64

type counterState struct {
	count int
	last  time.Time
}

type memoryShard struct {
	mu        sync.Mutex
	leaves    map[string][]string
	cooldowns map[string]time.Time
	counters  map[string]counterState
}

// MemoryStore is the in-process Store used by tests and single-node
// deployments. State is sharded by key so concurrent evaluation of
// different accounts never contends on one lock.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{
			leaves:    make(map[string][]string),
			cooldowns: make(map[string]time.Time),
			counters:  make(map[string]counterState),
		}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

func stateKey(userID string, t contracts.EventType) string {
	return userID + "\x00" + string(t)
}

func (s *MemoryStore) AppendLeaf(_ context.Context, userID, leafHash string) ([]string, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.leaves[userID] = append(sh.leaves[userID], leafHash)
	return append([]string(nil), sh.leaves[userID]...), nil
}

func (s *MemoryStore) Leaves(_ context.Context, userID string) ([]string, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return append([]string(nil), sh.leaves[userID]...), nil
}

func (s *MemoryStore) CheckAndSet(_ context.Context, userID string, t contracts.EventType, ts time.Time, cooldown time.Duration) (bool, time.Time, error) {
	key := stateKey(userID, t)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	last, ok := sh.cooldowns[key]
	if ok && ts.Sub(last) < cooldown {
		return false, last, nil
	}
	sh.cooldowns[key] = ts
	return true, last, nil
}

func (s *MemoryStore) Bump(_ context.Context, userID string, t contracts.EventType, now time.Time, window time.Duration) (int, error) {
	key := stateKey(userID, t)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.counters[key]
	if !st.last.IsZero() && now.Sub(st.last) > window {
		st.count = 0
	}
	st.count++
	st.last = now
	sh.counters[key] = st
	return st.count, nil
}

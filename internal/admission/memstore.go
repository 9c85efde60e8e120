package admission

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// MemoryStore is an in-process WindowStore. Each key's window begins at
// its first hit rather than on a wall-clock boundary, so clients do not
// all reset at once. Expired windows are dropped by Sweep.
type MemoryStore struct {
	shards [shardCount]memShard
}

type memShard struct {
	mu      sync.Mutex
	windows map[string]*memWindow
}

type memWindow struct {
	count   int64
	expires time.Time
}

// NewMemoryStore creates an empty in-process counter store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*memWindow)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Hit implements WindowStore.
func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (int64, time.Duration, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &memWindow{expires: now.Add(window)}
		sh.windows[key] = w
	}
	w.count++
	return w.count, w.expires.Sub(now), nil
}

// Count returns the hits recorded for key in its active window.
func (s *MemoryStore) Count(key string, now time.Time) int64 {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if w, ok := sh.windows[key]; ok && now.Before(w.expires) {
		return w.count
	}
	return 0
}

// Sweep removes windows that have expired at now.
func (s *MemoryStore) Sweep(now time.Time) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			if !now.Before(w.expires) {
				delete(sh.windows, key)
			}
		}
		sh.mu.Unlock()
	}
}

// Len returns the number of tracked windows, expired or not.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

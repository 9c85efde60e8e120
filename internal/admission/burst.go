// Package admission implements the layered throttling stack that gates
// requests before any presence fetch or render: a sliding-window burst
// guard, fixed-window limiters, and progressive slowdown.
package admission

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 64

// BurstGuard admits at most Limit requests per client in any trailing
// window. Per-client timestamp slices are spread over 64 shards so that
// concurrent clients rarely contend on the same mutex.
type BurstGuard struct {
	shards [shardCount]burstShard
	limit  atomic.Int64
	window atomic.Int64 // nanoseconds
}

type burstShard struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewBurstGuard creates a guard allowing limit requests per window.
func NewBurstGuard(limit int, window time.Duration) *BurstGuard {
	g := &BurstGuard{}
	for i := range g.shards {
		g.shards[i].hits = make(map[string][]time.Time)
	}
	g.SetParams(limit, window)
	return g
}

// SetParams swaps the limit and window. Existing timestamps are kept and
// judged against the new values on the next admit or sweep.
func (g *BurstGuard) SetParams(limit int, window time.Duration) {
	g.limit.Store(int64(limit))
	g.window.Store(int64(window))
}

// Window returns the current trailing window.
func (g *BurstGuard) Window() time.Duration { return time.Duration(g.window.Load()) }

func (g *BurstGuard) shard(key string) *burstShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &g.shards[h.Sum32()%shardCount]
}

// Admit reports whether key may proceed at now. A rejected request is not
// recorded, so a client hammering the guard cannot extend its own lockout.
// When rejected, retryAfter is the time until the oldest hit leaves the
// window.
func (g *BurstGuard) Admit(key string, now time.Time) (ok bool, retryAfter time.Duration) {
	limit := int(g.limit.Load())
	if limit <= 0 {
		return true, 0
	}
	window := g.Window()
	cutoff := now.Add(-window)

	s := g.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	hits := prune(s.hits[key], cutoff)
	if len(hits) >= limit {
		s.hits[key] = hits
		return false, hits[len(hits)-limit].Add(window).Sub(now)
	}
	s.hits[key] = append(hits, now)
	return true, 0
}

// Sweep drops timestamps older than the window and removes clients left
// with no hits.
func (g *BurstGuard) Sweep(now time.Time) {
	cutoff := now.Add(-g.Window())
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for key, hits := range s.hits {
			if hits = prune(hits, cutoff); len(hits) == 0 {
				delete(s.hits, key)
			} else {
				s.hits[key] = hits
			}
		}
		s.mu.Unlock()
	}
}

// Len returns the number of clients currently tracked.
func (g *BurstGuard) Len() int {
	n := 0
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		n += len(s.hits)
		s.mu.Unlock()
	}
	return n
}

// prune returns hits with every timestamp at or before cutoff removed.
// hits is ordered, so the first in-window entry bounds the cut.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	if i == len(hits) {
		return nil
	}
	return append(hits[:0], hits[i:]...)
}

// runSweeper calls sweep with the current time on every tick until ctx ends.
func runSweeper(ctx context.Context, interval time.Duration, sweep func(time.Time)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sweep(now)
		}
	}
}

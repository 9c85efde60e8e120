package admission

import (
	"context"
	"sync/atomic"
	"time"
)

// SlowdownParams configures progressive slowdown. Once a client has made
// more than After requests in the current window, each request is delayed
// by (hits-After)*Unit, capped at MaxDelay.
type SlowdownParams struct {
	After    int64
	Unit     time.Duration
	MaxDelay time.Duration
	Window   time.Duration
}

// DelayFor returns the delay owed for the nth request in a window. It is
// monotonically non-decreasing in hits.
func (p SlowdownParams) DelayFor(hits int64) time.Duration {
	over := hits - p.After
	if over <= 0 || p.Unit <= 0 {
		return 0
	}
	if p.MaxDelay > 0 && over > int64(p.MaxDelay/p.Unit) {
		return p.MaxDelay
	}
	d := time.Duration(over) * p.Unit
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Slowdown counts requests per client and computes artificial latency.
// It never sleeps itself; callers wait on their own request context so
// one slowed client never holds up another.
type Slowdown struct {
	store  WindowStore
	params atomic.Pointer[SlowdownParams]
}

// NewSlowdown creates a slowdown stage counting hits in store.
func NewSlowdown(store WindowStore, p SlowdownParams) *Slowdown {
	s := &Slowdown{store: store}
	s.SetParams(p)
	return s
}

// SetParams atomically replaces the slowdown parameters.
func (s *Slowdown) SetParams(p SlowdownParams) { s.params.Store(&p) }

// Params returns the current parameters.
func (s *Slowdown) Params() SlowdownParams { return *s.params.Load() }

// Delay records a hit for key and returns the delay to apply before the
// request proceeds.
func (s *Slowdown) Delay(ctx context.Context, key string, now time.Time) (time.Duration, error) {
	p := s.Params()
	if p.After < 0 || p.Unit <= 0 {
		return 0, nil
	}
	hits, _, err := s.store.Hit(ctx, "slowdown:"+key, p.Window, now)
	if err != nil {
		return 0, err
	}
	return p.DelayFor(hits), nil
}

// Wait blocks for d or until ctx is done, whichever is first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

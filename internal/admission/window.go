package admission

import (
	"context"
	"sync/atomic"
	"time"
)

// WindowStore counts hits per key in fixed windows. Hit increments the
// counter for key, starting a new window of the given length when none is
// active, and returns the post-increment count and the time remaining in
// the window. Implementations must make the increment atomic per key.
type WindowStore interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, resetAfter time.Duration, err error)
}

// Decision is the outcome of one fixed-window check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Count      int64
	RetryAfter time.Duration // set when Allowed is false
	ResetAfter time.Duration
}

// FixedWindow is a per-client counter that resets every window. Requests
// are allowed while the count within the window is at most Max.
type FixedWindow struct {
	name   string
	store  WindowStore
	max    atomic.Int64
	window atomic.Int64 // nanoseconds
}

// NewFixedWindow creates a limiter named name (used as the key namespace
// and in metrics) over store.
func NewFixedWindow(name string, store WindowStore, max int64, window time.Duration) *FixedWindow {
	w := &FixedWindow{name: name, store: store}
	w.SetParams(max, window)
	return w
}

// Name returns the limiter's name.
func (w *FixedWindow) Name() string { return w.name }

// SetParams swaps the ceiling and window length. Active windows keep their
// original expiry.
func (w *FixedWindow) SetParams(max int64, window time.Duration) {
	w.max.Store(max)
	w.window.Store(int64(window))
}

// Admit records a hit for key and decides whether it is within the ceiling.
// A rejection carries RetryAfter equal to the time left in the window.
func (w *FixedWindow) Admit(ctx context.Context, key string, now time.Time) (Decision, error) {
	max := w.max.Load()
	if max <= 0 {
		return Decision{Allowed: true}, nil
	}
	count, reset, err := w.store.Hit(ctx, w.name+":"+key, time.Duration(w.window.Load()), now)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:    count <= max,
		Limit:      max,
		Remaining:  max - count,
		Count:      count,
		ResetAfter: reset,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = reset
	}
	return d, nil
}

package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Worker is a session checked out of the Pool. It is owned by exactly one
// request until released.
type Worker struct {
	ID      string
	Timeout time.Duration

	session  Session
	released atomic.Bool
}

// Session returns the worker's rendering session.
func (w *Worker) Session() Session { return w.session }

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Capacity      int   `json:"capacity"`
	Idle          int   `json:"idle"`
	InUse         int   `json:"in_use"`
	Created       int64 `json:"created"`
	Destroyed     int64 `json:"destroyed"`
	EngineRunning bool  `json:"engine_running"`
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkerTimeout sets the per-worker request timeout.
func WithWorkerTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.workerTimeout = d }
}

// WithResetTimeout bounds how long Release may spend resetting a session.
func WithResetTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.resetTimeout = d }
}

// WithOnChange registers a callback invoked with fresh Stats after every
// acquire, release or destroy.
func WithOnChange(fn func(Stats)) PoolOption {
	return func(p *Pool) { p.onChange = fn }
}

// Pool hands out at most capacity workers. Idle workers are reused; new
// ones are created lazily, starting the shared engine on first use. The
// number of live workers (idle + in use) never exceeds capacity.
type Pool struct {
	engine        Engine
	capacity      int
	sem           *semaphore.Weighted
	workerTimeout time.Duration
	resetTimeout  time.Duration
	onChange      func(Stats)
	logger        *slog.Logger

	startMu sync.Mutex // serializes engine start

	mu     sync.Mutex
	idle   []*Worker
	inUse  int
	closed bool

	created   atomic.Int64
	destroyed atomic.Int64
}

// NewPool creates a pool of at most capacity workers over engine.
func NewPool(engine Engine, capacity int, logger *slog.Logger, opts ...PoolOption) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{
		engine:        engine,
		capacity:      capacity,
		sem:           semaphore.NewWeighted(int64(capacity)),
		workerTimeout: 10 * time.Second,
		resetTimeout:  2 * time.Second,
		logger:        logger.With("component", "render_pool"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire returns an idle worker, or creates one when none is idle. It
// blocks while capacity workers are in use, until ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	p.inUse++
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		w.released.Store(false)
		p.notify()
		return w, nil
	}
	p.mu.Unlock()

	w, err := p.create(ctx)
	if err == nil {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			p.destroy(w)
			w, err = nil, ErrPoolClosed
		}
	}
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.sem.Release(1)
		p.notify()
		return nil, err
	}
	p.notify()
	return w, nil
}

func (p *Pool) create(ctx context.Context) (*Worker, error) {
	if err := p.ensureEngine(ctx); err != nil {
		return nil, fmt.Errorf("starting render engine: %w", err)
	}
	sess, err := p.engine.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating render session: %w", err)
	}
	p.created.Add(1)
	w := &Worker{ID: uuid.NewString(), Timeout: p.workerTimeout, session: sess}
	p.logger.Debug("render worker created", "worker", w.ID)
	return w, nil
}

// ensureEngine starts the shared engine at most once even when many first
// requests race; a stopped engine is started again unless the pool is
// closed.
func (p *Pool) ensureEngine(ctx context.Context) error {
	if p.engine.Running() {
		return nil
	}
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.isClosed() {
		return ErrPoolClosed
	}
	if p.engine.Running() {
		return nil
	}
	p.logger.Info("starting render engine")
	return p.engine.Start(ctx)
}

// Release returns w to the pool. The session is reset first; a session
// that fails to reset, or a release while the pool is full or closed,
// destroys the worker instead. Releasing the same worker twice is a no-op.
func (p *Pool) Release(w *Worker) {
	if w == nil || !w.released.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.resetTimeout)
	resetErr := w.session.Reset(ctx)
	cancel()

	p.mu.Lock()
	p.inUse--
	keep := resetErr == nil && !p.closed && len(p.idle)+p.inUse < p.capacity
	if keep {
		p.idle = append(p.idle, w)
	}
	p.mu.Unlock()

	if !keep {
		if resetErr != nil {
			p.logger.Warn("render worker reset failed, destroying", "worker", w.ID, "error", resetErr)
		}
		p.destroy(w)
	}
	p.sem.Release(1)
	p.notify()
}

func (p *Pool) destroy(w *Worker) {
	if err := w.session.Close(); err != nil {
		p.logger.Warn("render worker close failed", "worker", w.ID, "error", err)
	}
	p.destroyed.Add(1)
	p.logger.Debug("render worker destroyed", "worker", w.ID)
}

// Stats returns the current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle, inUse := len(p.idle), p.inUse
	p.mu.Unlock()
	return Stats{
		Capacity:      p.capacity,
		Idle:          idle,
		InUse:         inUse,
		Created:       p.created.Load(),
		Destroyed:     p.destroyed.Load(),
		EngineRunning: p.engine.Running(),
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) notify() {
	if p.onChange != nil {
		p.onChange(p.Stats())
	}
}

// Close destroys idle workers and shuts the engine down, waiting out an
// engine start already in progress. Workers still in use are destroyed
// when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range idle {
		p.destroy(w)
	}
	p.notify()

	p.startMu.Lock()
	defer p.startMu.Unlock()
	return p.engine.Close()
}

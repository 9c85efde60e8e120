package render

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("creates lazily then reuses idle workers", func(t *testing.T) {
		eng := &fakeEngine{}
		p := NewPool(eng, 3, discardLogger)
		assert.False(t, p.Stats().EngineRunning)

		w1, err := p.Acquire(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, w1.ID)
		assert.Equal(t, 10*time.Second, w1.Timeout)
		assert.Equal(t, Stats{Capacity: 3, InUse: 1, Created: 1, EngineRunning: true}, p.Stats())

		p.Release(w1)
		assert.Equal(t, 1, p.Stats().Idle)

		w2, err := p.Acquire(ctx)
		require.NoError(t, err)
		assert.Same(t, w1, w2)
		assert.Equal(t, int64(1), p.Stats().Created)
		assert.Equal(t, int32(1), eng.starts.Load())
		p.Release(w2)
	})

	t.Run("blocks when every worker is in use", func(t *testing.T) {
		p := NewPool(&fakeEngine{}, 2, discardLogger)
		a, err := p.Acquire(ctx)
		require.NoError(t, err)
		b, err := p.Acquire(ctx)
		require.NoError(t, err)

		tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err = p.Acquire(tctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		got := make(chan *Worker, 1)
		go func() {
			w, _ := p.Acquire(ctx)
			got <- w
		}()
		p.Release(a)
		select {
		case w := <-got:
			assert.Same(t, a, w)
			p.Release(w)
		case <-time.After(time.Second):
			t.Fatal("waiter was not handed the released worker")
		}
		p.Release(b)
		assert.Equal(t, 2, p.Stats().Idle)
	})

	t.Run("failed reset destroys the worker", func(t *testing.T) {
		eng := &fakeEngine{}
		eng.setTemplate(sessionBehavior{resetErr: errInjected})
		p := NewPool(eng, 2, discardLogger)

		w, err := p.Acquire(ctx)
		require.NoError(t, err)
		p.Release(w)

		s := p.Stats()
		assert.Zero(t, s.Idle)
		assert.Zero(t, s.InUse)
		assert.Equal(t, int64(1), s.Destroyed)
		assert.Equal(t, int32(1), eng.sessions[0].closes.Load())
	})

	t.Run("double release is a no-op", func(t *testing.T) {
		eng := &fakeEngine{}
		p := NewPool(eng, 1, discardLogger)
		w, err := p.Acquire(ctx)
		require.NoError(t, err)
		p.Release(w)
		p.Release(w)
		assert.Equal(t, Stats{Capacity: 1, Idle: 1, Created: 1, EngineRunning: true}, p.Stats())
		assert.Equal(t, int32(1), eng.sessions[0].resets.Load())
	})

	t.Run("engine start failure frees the slot", func(t *testing.T) {
		eng := &fakeEngine{startErr: errInjected}
		p := NewPool(eng, 1, discardLogger)
		_, err := p.Acquire(ctx)
		require.ErrorIs(t, err, errInjected)
		assert.Zero(t, p.Stats().InUse)

		eng.startErr = nil
		w, err := p.Acquire(ctx)
		require.NoError(t, err, "slot was returned and start is retried")
		p.Release(w)
		assert.Equal(t, int32(2), eng.starts.Load())
	})

	t.Run("session creation failure frees the slot", func(t *testing.T) {
		eng := &fakeEngine{sessionErr: errInjected}
		p := NewPool(eng, 1, discardLogger)
		_, err := p.Acquire(ctx)
		require.ErrorIs(t, err, errInjected)
		assert.Zero(t, p.Stats().InUse)
	})
}

func TestPoolEngineStartsOnce(t *testing.T) {
	eng := &fakeEngine{startDelay: 20 * time.Millisecond}
	p := NewPool(eng, 3, discardLogger)

	var wg sync.WaitGroup
	workers := make(chan *Worker, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := p.Acquire(context.Background())
			if assert.NoError(t, err) {
				workers <- w
			}
		}()
	}
	wg.Wait()
	close(workers)
	for w := range workers {
		p.Release(w)
	}

	assert.Equal(t, int32(1), eng.starts.Load())
	assert.Equal(t, int64(3), p.Stats().Created)
}

func TestPoolCapacityInvariantUnderConcurrency(t *testing.T) {
	const capacity = 3
	var (
		mu         sync.Mutex
		violations []Stats
	)
	var p *Pool
	check := func(s Stats) {
		if s.Idle+s.InUse > capacity {
			mu.Lock()
			violations = append(violations, s)
			mu.Unlock()
		}
	}
	p = NewPool(&fakeEngine{}, capacity, discardLogger, WithOnChange(check))

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed))
			for i := 0; i < 50; i++ {
				w, err := p.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				check(p.Stats())
				if rng.IntN(3) == 0 {
					time.Sleep(time.Duration(rng.IntN(200)) * time.Microsecond)
				}
				p.Release(w)
				check(p.Stats())
			}
		}(uint64(g + 1))
	}
	wg.Wait()

	assert.Empty(t, violations)
	s := p.Stats()
	assert.Zero(t, s.InUse)
	assert.LessOrEqual(t, s.Created, int64(capacity))
	assert.Equal(t, s.Created-s.Destroyed, int64(s.Idle), "every created worker is idle or destroyed")
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	p := NewPool(eng, 2, discardLogger)

	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	busy, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(idle)

	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), eng.closes.Load())
	assert.Equal(t, int64(1), p.Stats().Destroyed)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	p.Release(busy)
	s := p.Stats()
	assert.Zero(t, s.Idle)
	assert.Zero(t, s.InUse)
	assert.Equal(t, int64(2), s.Destroyed)

	require.NoError(t, p.Close(), "close is idempotent")
	assert.Equal(t, int32(1), eng.closes.Load())
}

func TestPoolCloseDuringEngineStart(t *testing.T) {
	eng := &fakeEngine{startDelay: 50 * time.Millisecond}
	p := NewPool(eng, 2, discardLogger)

	type result struct {
		w   *Worker
		err error
	}
	done := make(chan result, 1)
	go func() {
		w, err := p.Acquire(context.Background())
		done <- result{w, err}
	}()

	require.Eventually(t, func() bool { return eng.starts.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Close())

	res := <-done
	assert.Nil(t, res.w)
	assert.ErrorIs(t, res.err, ErrPoolClosed)
	p.Release(res.w)

	assert.False(t, eng.Running(), "engine must not outlive Close")
	s := p.Stats()
	assert.Zero(t, s.InUse)
	assert.Equal(t, s.Created, s.Destroyed)

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, int32(1), eng.starts.Load(), "closed pool never restarts the engine")
}

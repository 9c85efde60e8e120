package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuscard/statuscard/internal/config"
	"github.com/statuscard/statuscard/internal/redis"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(context.Background(), config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "sc:"), mr
}

func TestRedisStoreHit(t *testing.T) {
	ctx := context.Background()

	t.Run("counts hits and sets expiry on first hit", func(t *testing.T) {
		s, mr := newTestRedisStore(t)
		for i := int64(1); i <= 3; i++ {
			n, reset, err := s.Hit(ctx, "api:c", time.Minute, time.Now())
			require.NoError(t, err)
			assert.Equal(t, i, n)
			assert.Greater(t, reset, time.Duration(0))
			assert.LessOrEqual(t, reset, time.Minute)
		}
		assert.True(t, mr.Exists("sc:api:c"))
		assert.Greater(t, mr.TTL("sc:api:c"), time.Duration(0))
	})

	t.Run("window resets when the key expires", func(t *testing.T) {
		s, mr := newTestRedisStore(t)
		_, _, err := s.Hit(ctx, "k", time.Second, time.Now())
		require.NoError(t, err)
		_, _, err = s.Hit(ctx, "k", time.Second, time.Now())
		require.NoError(t, err)

		mr.FastForward(2 * time.Second)
		n, _, err := s.Hit(ctx, "k", time.Second, time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("works after redis data is flushed", func(t *testing.T) {
		s, mr := newTestRedisStore(t)
		_, _, err := s.Hit(ctx, "k", time.Minute, time.Now())
		require.NoError(t, err)
		mr.FlushAll()
		n, _, err := s.Hit(ctx, "k", time.Minute, time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("returns an error when redis is down", func(t *testing.T) {
		s, mr := newTestRedisStore(t)
		mr.Close()
		_, _, err := s.Hit(ctx, "k", time.Minute, time.Now())
		assert.Error(t, err)
		assert.Error(t, s.Ping(ctx))
	})
}

func TestFixedWindowOverRedis(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	w := NewFixedWindow("render", s, 2, 5*time.Minute)

	for i := 0; i < 2; i++ {
		d, err := w.Admit(ctx, "c", time.Now())
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := w.Admit(ctx, "c", time.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, 4*time.Minute)

	mr.FastForward(5 * time.Minute)
	d, err = w.Admit(ctx, "c", time.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/statuscard/statuscard/internal/redis"
)

// fixedWindowLua atomically increments a counter and starts its expiry on
// the first hit of a window. Returns {count, pttl_ms}.
//
// Keys: KEYS[1] = counter key. Args: ARGV[1] = window length in ms.
const fixedWindowLua = `
local count = redis.call('incr', KEYS[1])
if count == 1 then
  redis.call('pexpire', KEYS[1], ARGV[1])
end
local ttl = redis.call('pttl', KEYS[1])
if ttl < 0 then
  redis.call('pexpire', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// RedisStore is a WindowStore shared across replicas through Redis.
// Window expiry is tracked by Redis itself; now is only used by MemoryStore.
type RedisStore struct {
	client redis.Client
	prefix string
	hash   string
}

// NewRedisStore creates a store writing keys under prefix.
func NewRedisStore(client redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, hash: fixedWindowScript.Hash()}
}

// Hit implements WindowStore. EVALSHA is tried first and EVAL is used on
// NOSCRIPT so the script body is only sent once per Redis instance.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, _ time.Time) (int64, time.Duration, error) {
	keys := []string{s.prefix + key}
	ms := window.Milliseconds()

	cmd := s.client.EvalSha(ctx, s.hash, keys, ms)
	if redis.IsNoScriptErr(cmd.Err()) {
		cmd = s.client.Eval(ctx, fixedWindowLua, keys, ms)
	}
	if err := cmd.Err(); err != nil {
		return 0, 0, fmt.Errorf("fixed window %s: %w", key, err)
	}

	arr, err := cmd.Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("reading script result: %w", err)
	}
	if len(arr) != 2 {
		return 0, 0, fmt.Errorf("script returned %d elements, want 2", len(arr))
	}
	count, err := toInt64(arr[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing count: %w", err)
	}
	ttl, err := toInt64(arr[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing ttl: %w", err)
	}
	return count, time.Duration(ttl) * time.Millisecond, nil
}

// Ping checks that the backing Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}

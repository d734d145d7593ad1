package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps a window counter and sets its expiry on first use, in
// one round trip. The key expires two windows after its start so late
// readers still see it.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

// RedisCounters shares windows across kernel instances.
type RedisCounters struct {
	client *redis.Client
}

// NewRedisCounters wraps a connected client.
func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

func (r *RedisCounters) Incr(ctx context.Context, scope, scopeID string, windowStart time.Time, window time.Duration) (int64, error) {
	key := fmt.Sprintf("wmag:rl:%s:%s:%d", scope, scopeID, windowStart.Unix())
	ttl := 2 * window
	count, err := incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return count, nil
}

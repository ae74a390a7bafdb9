package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/logging"
)

// fixedWindowScript counts one request in the subject's current window.
// Returns: [count after increment, remaining window in ms].
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter shares fixed windows across gateway instances. Redis failures
// degrade to the in-process fallback so an outage slows nothing down.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	fallback *FixedWindow
	now      func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter with an in-process fallback.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "gw:rl:"
	}
	return &RedisLimiter{
		client:   client,
		prefix:   prefix,
		fallback: NewFixedWindow(),
		now:      time.Now,
	}
}

// Allow checks and counts one request for key against the shared window.
func (rl *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: rl.now()}
	}

	// The limiter sits on the hot path; a slow Redis must not stall requests.
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	spanMs := window.Milliseconds()
	nowMs := rl.now().UnixMilli()
	start := nowMs - nowMs%spanMs
	redisKey := rl.prefix + key + ":" + strconv.FormatInt(start, 10)

	result, err := fixedWindowScript.Run(ctx, rl.client, []string{redisKey}, spanMs).Int64Slice()
	if err != nil || len(result) < 2 {
		logging.Warn("redis rate limit unavailable, using local fallback", zap.Error(err))
		return rl.fallback.Allow(ctx, key, limit, window)
	}

	count := int(result[0])
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(start + spanMs),
	}
}

// Clear deletes all limiter keys under the configured prefix.
func (rl *RedisLimiter) Clear(ctx context.Context) error {
	rl.fallback.Clear(ctx)
	var cursor uint64
	for {
		keys, next, err := rl.client.Scan(ctx, cursor, rl.prefix+"*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := rl.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close releases the fallback limiter's cleanup loop.
func (rl *RedisLimiter) Close() {
	rl.fallback.Close()
}

package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mcpgate.org/internal/obs"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter keeps fixed-window counters in Redis. When Redis is unreachable
// it defers to Fallback if one is set.
type RedisLimiter struct {
	Client   redis.Scripter
	Prefix   string
	Fallback Limiter
	now      func() time.Time
}

// NewRedis returns a limiter over client with the "rl:" key prefix.
func NewRedis(client redis.Scripter, fallback Limiter) *RedisLimiter {
	return &RedisLimiter{Client: client, Prefix: "rl:", Fallback: fallback, now: time.Now}
}

// Allow implements Limiter. Unlike the store limiter the counter keeps
// increasing past the limit until the key expires.
func (l *RedisLimiter) Allow(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit}, nil
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit, window, errors.New("redis client not configured"))
	}

	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key.String()}, window.Milliseconds()).Result()
	if err != nil {
		return l.fallback(ctx, key, limit, window, err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) < 2 {
		return l.fallback(ctx, key, limit, window, errors.New("unexpected redis rate limit response"))
	}
	count, ok := vals[0].(int64)
	if !ok {
		return l.fallback(ctx, key, limit, window, errors.New("invalid redis counter response"))
	}
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	remaining := max(limit-int(count), 0)
	return Decision{
		Allowed:   count <= int64(limit),
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   l.now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

func (l *RedisLimiter) fallback(ctx context.Context, key Key, limit int, window time.Duration, cause error) (Decision, error) {
	if l.Fallback == nil {
		return Decision{}, cause
	}
	obs.Logger().Warn("redis rate limiter unavailable, using fallback", zap.Error(cause))
	return l.Fallback.Allow(ctx, key, limit, window)
}

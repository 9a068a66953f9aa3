package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts requests per key in fixed windows shared by every API instance.
// Each window gets its own counter key, suffixed with the window start in milliseconds.
// Redis errors fall back to Fallback, or allow the request when there is none.
type RedisLimiter struct {
	Client   redis.UniversalClient
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback Limiter
	Logger   *slog.Logger

	now func() time.Time
}

func NewRedis(client redis.UniversalClient, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rate_limit:api_per_user:",
		Timeout:  100 * time.Millisecond,
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	window := l.Window
	if window <= 0 {
		window = time.Second
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit, window)
	}

	now := time.Now()
	if l.now != nil {
		now = l.now()
	}
	slot := now.Truncate(window)
	counter := l.Prefix + key + ":" + strconv.FormatInt(slot.UnixMilli(), 10)

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var incr *redis.IntCmd
	_, err := l.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, counter)
		pipe.PExpire(ctx, counter, window)
		return nil
	})
	if err != nil {
		if l.Logger != nil {
			l.Logger.Warn("redis rate limiter unavailable, using local buckets", "error", err)
		}
		return l.fallback(ctx, key, limit, window)
	}

	count := int(incr.Val())
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   slot.Add(window),
	}
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().Add(window)}
}

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait before the next request can pass, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter decides whether the caller identified by key may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// InMemoryLimiter keeps one token bucket per key. A bucket holds limit tokens and refills
// limit tokens per window.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	idleTTL time.Duration
	items   map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	limit    int
	lastSeen time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Second
	}
	idle := 10 * window
	if idle < time.Minute {
		idle = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		idleTTL: idle,
		items:   make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	b, ok := l.items[key]
	if !ok || b.limit != limit {
		every := l.window / time.Duration(limit)
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), limit), limit: limit}
		l.items[key] = b
	}
	b.lastSeen = now
	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}
	// time until one token is available again
	wait := time.Duration(0)
	if tokens < 1 {
		wait = time.Duration((1 - tokens) / float64(b.lim.Limit()) * float64(time.Second))
	}
	return Decision{
		Allowed:   allowed,
		Count:     limit - remaining,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(wait),
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.items, k)
		}
	}
}

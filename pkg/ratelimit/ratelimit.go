// Package ratelimit implements the fixed-window rate-limit core from
// spec §4.7: a shared-cache-backed counter with a process-local fallback,
// a tenant-aware variant resolving limits from a plan map or an API-key
// override, and the standard + legacy response header set.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result describes the outcome of an admission check.
type Result struct {
	Admitted   bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter keyed by (limiter name, identifier),
// backed by Redis with an automatic process-local fallback when the shared
// cache is unreachable. A limiter failure must never block the caller
// (spec §4.7: "fail-open on internal errors").
type Limiter struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu    sync.Mutex
	local map[string]*window
}

type window struct {
	count       int
	windowStart time.Time
}

// New constructs a Limiter. rdb may be nil to force process-local-only
// operation (e.g. in tests).
func New(rdb *redis.Client, logger *slog.Logger) *Limiter {
	return &Limiter{rdb: rdb, logger: logger, local: make(map[string]*window)}
}

func redisKey(service, limiterName, identifier string) string {
	return fmt.Sprintf("ocmt:ratelimit:%s:%s:%s", service, limiterName, identifier)
}

// Admit applies the fixed-window algorithm for (limiterName, identifier)
// against max admissions per window. service namespaces the Redis key
// across call sites using the same limiter name for different purposes.
func (l *Limiter) Admit(ctx context.Context, service, limiterName, identifier string, max int, window time.Duration) Result {
	if l.rdb != nil {
		res, err := l.admitRedis(ctx, service, limiterName, identifier, max, window)
		if err == nil {
			return res
		}
		l.logger.Warn("ratelimit: redis unavailable, falling back to process-local", "error", err)
	}
	return l.admitLocal(service, limiterName, identifier, max, window)
}

// admitRedis implements the fixed window using INCR + an expiring key so
// the counter and its TTL stay consistent under concurrent callers.
func (l *Limiter) admitRedis(ctx context.Context, service, limiterName, identifier string, max int, win time.Duration) (Result, error) {
	key := redisKey(service, limiterName, identifier)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: incrementing %s: %w", key, err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, 2*win).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit: setting expiry for %s: %w", key, err)
		}
	}

	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: reading ttl for %s: %w", key, err)
	}
	// TTL is 2x window; derive the remaining time in the *current* window.
	remainingInWindow := ttl - win
	if remainingInWindow < 0 {
		remainingInWindow = ttl
	}
	resetAt := time.Now().Add(remainingInWindow)

	if int(count) > max {
		return Result{
			Admitted:   false,
			Limit:      max,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: remainingInWindow,
		}, nil
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Admitted: true, Limit: max, Remaining: remaining, ResetAt: resetAt}, nil
}

// admitLocal is the in-process fallback: the same fixed-window algorithm
// over a map guarded by a single mutex (spec §4.7 algorithm, applied
// without the shared cache).
func (l *Limiter) admitLocal(service, limiterName, identifier string, max int, win time.Duration) Result {
	key := redisKey(service, limiterName, identifier)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.local[key]
	if !ok || now.Sub(w.windowStart) > win {
		w = &window{count: 1, windowStart: now}
		l.local[key] = w
		return Result{Admitted: true, Limit: max, Remaining: max - 1, ResetAt: now.Add(win)}
	}

	resetAt := w.windowStart.Add(win)
	if w.count >= max {
		return Result{
			Admitted:   false,
			Limit:      max,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	w.count++
	remaining := max - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Admitted: true, Limit: max, Remaining: remaining, ResetAt: resetAt}
}

// ReapLocal evicts process-local windows idle for at least 2x their window
// duration (spec §5: "Reap rate-limit entries whose windows have been idle
// for 2x window"). win is the caller's nominal window size used to judge
// idleness uniformly across all tracked keys.
func (l *Limiter) ReapLocal(now time.Time, win time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, w := range l.local {
		if now.Sub(w.windowStart) > 2*win {
			delete(l.local, key)
			evicted++
		}
	}
	return evicted
}

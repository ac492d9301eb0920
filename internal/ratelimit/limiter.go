// Package ratelimit throttles sensitive operations per (tenant, user, action)
// using fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/obs"
)

// Defaults applied to secret lifecycle operations.
const (
	DefaultLimit  = 10
	DefaultWindow = time.Minute
)

// Key identifies one counter.
type Key struct {
	TenantID string
	UserID   string
	Action   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.TenantID, k.UserID, k.Action)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts calls against a limit within a window.
type Limiter interface {
	Allow(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error)
}

// Window is the persisted counter for one key.
type Window struct {
	Key
	Start time.Time
	Count int
}

// WindowStore persists windows. Implementations do not need to be atomic:
// concurrent bursts may overshoot the limit slightly.
type WindowStore interface {
	// CurrentWindow returns the newest window for key that started at or after since.
	CurrentWindow(ctx context.Context, key Key, since time.Time) (Window, bool, error)
	// StartWindow records a new window with a count of one.
	StartWindow(ctx context.Context, key Key, start time.Time) error
	// IncrementWindow adds one to the window that started at start.
	IncrementWindow(ctx context.Context, key Key, start time.Time) error
}

// StoreLimiter is a fixed-window counter over a WindowStore.
type StoreLimiter struct {
	store WindowStore
	now   func() time.Time
}

// NewStoreLimiter returns a limiter over store. now defaults to time.Now.
func NewStoreLimiter(store WindowStore, now func() time.Time) *StoreLimiter {
	if now == nil {
		now = time.Now
	}
	return &StoreLimiter{store: store, now: now}
}

// Allow implements Limiter. A window older than its duration is stale and a
// fresh one is started instead of being reused.
func (l *StoreLimiter) Allow(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit}, nil
	}
	now := l.now().UTC()
	w, ok, err := l.store.CurrentWindow(ctx, key, now.Add(-window))
	if err != nil {
		return Decision{}, fmt.Errorf("load rate window: %w", err)
	}
	if !ok {
		if err := l.store.StartWindow(ctx, key, now); err != nil {
			return Decision{}, fmt.Errorf("start rate window: %w", err)
		}
		return Decision{Allowed: true, Count: 1, Limit: limit, Remaining: limit - 1, ResetAt: now.Add(window)}, nil
	}
	resetAt := w.Start.Add(window)
	if w.Count >= limit {
		return Decision{Allowed: false, Count: w.Count, Limit: limit, ResetAt: resetAt}, nil
	}
	if err := l.store.IncrementWindow(ctx, key, w.Start); err != nil {
		return Decision{}, fmt.Errorf("increment rate window: %w", err)
	}
	count := w.Count + 1
	return Decision{Allowed: true, Count: count, Limit: limit, Remaining: limit - count, ResetAt: resetAt}, nil
}

// Guard applies one limit and window to every key it checks.
type Guard struct {
	limiter Limiter
	limit   int
	window  time.Duration
}

// NewGuard returns a guard. Non-positive values fall back to the defaults.
func NewGuard(limiter Limiter, limit int, window time.Duration) *Guard {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{limiter: limiter, limit: limit, window: window}
}

// Check returns a RATE_LIMIT_EXCEEDED error when key is over its limit.
// Backend failures are returned as internal errors.
func (g *Guard) Check(ctx context.Context, key Key) error {
	d, err := g.limiter.Allow(ctx, key, g.limit, g.window)
	if err != nil {
		obs.Logger().Error("rate limit check failed", zap.String("key", key.String()), zap.Error(err))
		return apperr.Wrap(apperr.CodeInternal, "rate limit unavailable", err)
	}
	if !d.Allowed {
		obs.ObserveRateLimited(key.Action)
		obs.Logger().Warn("rate limit exceeded",
			zap.String("tenant_id", key.TenantID),
			zap.String("user_id", key.UserID),
			zap.String("action", key.Action),
			zap.Int("count", d.Count),
			zap.Time("reset_at", d.ResetAt),
		)
		return apperr.Newf(apperr.CodeRateLimited, "too many %s requests, retry after %s", key.Action, d.ResetAt.Format(time.RFC3339))
	}
	return nil
}

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"mcpgate.org/internal/apperr"
)

type fakeWindows struct {
	mu   sync.Mutex
	rows []Window
	err  error
}

func (f *fakeWindows) CurrentWindow(_ context.Context, key Key, since time.Time) (Window, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Window{}, false, f.err
	}
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].Key == key && !f.rows[i].Start.Before(since) {
			return f.rows[i], true, nil
		}
	}
	return Window{}, false, nil
}

func (f *fakeWindows) StartWindow(_ context.Context, key Key, start time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, Window{Key: key, Start: start, Count: 1})
	return nil
}

func (f *fakeWindows) IncrementWindow(_ context.Context, key Key, start time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].Key == key && f.rows[i].Start.Equal(start) {
			f.rows[i].Count++
			return nil
		}
	}
	return errors.New("window not found")
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestStoreLimiterRejectsEleventhCall(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	lim := NewStoreLimiter(&fakeWindows{}, clk.now)
	key := Key{TenantID: "t1", UserID: "u1", Action: "create"}
	ctx := context.Background()

	for i := 1; i <= DefaultLimit; i++ {
		d, err := lim.Allow(ctx, key, DefaultLimit, DefaultWindow)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i)
		require.Equal(t, i, d.Count)
		require.Equal(t, DefaultLimit-i, d.Remaining)
		clk.advance(time.Second)
	}
	d, err := lim.Allow(ctx, key, DefaultLimit, DefaultWindow)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Other actions and users have their own windows.
	d, _ = lim.Allow(ctx, Key{TenantID: "t1", UserID: "u1", Action: "reveal"}, DefaultLimit, DefaultWindow)
	require.True(t, d.Allowed)
	d, _ = lim.Allow(ctx, Key{TenantID: "t1", UserID: "u2", Action: "create"}, DefaultLimit, DefaultWindow)
	require.True(t, d.Allowed)

	// After the window elapses a fresh window starts.
	clk.advance(DefaultWindow)
	d, err = lim.Allow(ctx, key, DefaultLimit, DefaultWindow)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Count)
}

func TestStoreLimiterPropagatesStoreErrors(t *testing.T) {
	lim := NewStoreLimiter(&fakeWindows{err: errors.New("db down")}, nil)
	_, err := lim.Allow(context.Background(), Key{Action: "x"}, 1, time.Minute)
	require.Error(t, err)
}

func TestGuard(t *testing.T) {
	clk := &clock{t: time.Now()}
	g := NewGuard(NewStoreLimiter(&fakeWindows{}, clk.now), 2, time.Minute)
	key := Key{TenantID: "t", UserID: "u", Action: "reveal"}
	ctx := context.Background()

	require.NoError(t, g.Check(ctx, key))
	require.NoError(t, g.Check(ctx, key))
	err := g.Check(ctx, key)
	require.Equal(t, apperr.CodeRateLimited, apperr.CodeOf(err))

	broken := NewGuard(NewStoreLimiter(&fakeWindows{err: errors.New("boom")}, nil), 0, 0)
	require.Equal(t, apperr.CodeInternal, apperr.CodeOf(broken.Check(ctx, key)))
}

func TestRedisLimiterWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedis(client, nil)
	key := Key{TenantID: "t1", UserID: "u1", Action: "rotate"}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := lim.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i)
	}
	d, err := lim.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)

	require.True(t, mr.Exists("rl:t1:u1:rotate"))
	mr.FastForward(time.Minute + time.Second)

	d, err = lim.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Count)
}

func TestRedisLimiterFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	fallback := NewStoreLimiter(&fakeWindows{}, nil)
	lim := NewRedis(client, fallback)
	d, err := lim.Allow(context.Background(), Key{Action: "create"}, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	noFallback := NewRedis(client, nil)
	_, err = noFallback.Allow(context.Background(), Key{Action: "create"}, 1, time.Minute)
	require.Error(t, err)
}

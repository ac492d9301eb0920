package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mcpgate.org/internal/ratelimit"
)

func (s *Store) CurrentWindow(ctx context.Context, key ratelimit.Key, since time.Time) (ratelimit.Window, bool, error) {
	w := ratelimit.Window{Key: key}
	err := s.db.QueryRowContext(ctx, `
		select window_start, count
		from rate_limit_windows
		where tenant_id = $1 and user_id = $2 and action = $3 and window_start >= $4
	`, key.TenantID, key.UserID, key.Action, since).Scan(&w.Start, &w.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Window{}, false, nil
	}
	if err != nil {
		return ratelimit.Window{}, false, err
	}
	return w, true, nil
}

// StartWindow replaces any previous window for the key.
func (s *Store) StartWindow(ctx context.Context, key ratelimit.Key, start time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into rate_limit_windows (tenant_id, user_id, action, window_start, count)
		values ($1, $2, $3, $4, 1)
		on conflict (tenant_id, user_id, action) do update
		set window_start = excluded.window_start, count = 1
	`, key.TenantID, key.UserID, key.Action, start)
	return err
}

func (s *Store) IncrementWindow(ctx context.Context, key ratelimit.Key, start time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update rate_limit_windows
		set count = count + 1
		where tenant_id = $1 and user_id = $2 and action = $3 and window_start = $4
	`, key.TenantID, key.UserID, key.Action, start)
	return err
}

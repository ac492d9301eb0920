package memory

import (
	"context"
	"errors"
	"time"

	"mcpgate.org/internal/ratelimit"
)

// CurrentWindow implements ratelimit.WindowStore.
func (s *Store) CurrentWindow(_ context.Context, key ratelimit.Key, since time.Time) (ratelimit.Window, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.windows) - 1; i >= 0; i-- {
		w := s.windows[i]
		if w.Key == key && !w.Start.Before(since) {
			return w, true, nil
		}
	}
	return ratelimit.Window{}, false, nil
}

// StartWindow implements ratelimit.WindowStore. Stale windows for the key are dropped.
func (s *Store) StartWindow(_ context.Context, key ratelimit.Key, start time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.windows[:0]
	for _, w := range s.windows {
		if w.Key != key {
			kept = append(kept, w)
		}
	}
	s.windows = append(kept, ratelimit.Window{Key: key, Start: start, Count: 1})
	return nil
}

// IncrementWindow implements ratelimit.WindowStore.
func (s *Store) IncrementWindow(_ context.Context, key ratelimit.Key, start time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.windows {
		if s.windows[i].Key == key && s.windows[i].Start.Equal(start) {
			s.windows[i].Count++
			return nil
		}
	}
	return errors.New("rate window not found")
}

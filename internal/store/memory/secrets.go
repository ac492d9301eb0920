package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"mcpgate.org/internal/secrets"
)

// ActivateSecret implements secrets.Store.
func (s *Store) ActivateSecret(_ context.Context, sec secrets.Secret, graceUntil time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var replaced string
	for i := range s.secrets {
		cur := &s.secrets[i]
		if cur.ID == sec.ID {
			return "", fmt.Errorf("insert secret: duplicate id %s", sec.ID)
		}
		if cur.TenantID == sec.TenantID && cur.Provider == sec.Provider && cur.IsActive {
			cur.IsActive = false
			rotated, expires := sec.CreatedAt, graceUntil
			cur.RotatedAt = &rotated
			cur.ExpiresAt = &expires
			replaced = cur.ID
		}
	}
	sec.IsActive = true
	s.secrets = append(s.secrets, sec)
	return replaced, nil
}

// DeactivateSecret implements secrets.Store.
func (s *Store) DeactivateSecret(_ context.Context, tenantID, id string, at time.Time) (secrets.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.secrets {
		cur := &s.secrets[i]
		if cur.ID != id || cur.TenantID != tenantID {
			continue
		}
		if cur.IsActive {
			cur.IsActive = false
			if cur.ExpiresAt == nil || cur.ExpiresAt.After(at) {
				expires := at
				cur.ExpiresAt = &expires
			}
		}
		return *cur, nil
	}
	return secrets.Secret{}, secrets.ErrNotFound
}

// GetSecret implements secrets.Store.
func (s *Store) GetSecret(_ context.Context, tenantID, id string) (secrets.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cur := range s.secrets {
		if cur.ID == id && cur.TenantID == tenantID {
			return cur, nil
		}
	}
	return secrets.Secret{}, secrets.ErrNotFound
}

// ListSecrets implements secrets.Store.
func (s *Store) ListSecrets(_ context.Context, tenantID, provider string) ([]secrets.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []secrets.Secret
	for _, cur := range s.secrets {
		if cur.TenantID == tenantID && (provider == "" || cur.Provider == provider) {
			out = append(out, cur)
		}
	}
	slices.SortStableFunc(out, func(a, b secrets.Secret) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

// CreateRevealToken implements secrets.Store.
func (s *Store) CreateRevealToken(_ context.Context, t secrets.RevealToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.TokenHash]; ok {
		return fmt.Errorf("insert reveal token: duplicate hash")
	}
	s.tokens[t.TokenHash] = t
	return nil
}

// FindRevealToken implements secrets.Store.
func (s *Store) FindRevealToken(_ context.Context, hash string) (secrets.RevealToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[hash]
	if !ok {
		return secrets.RevealToken{}, secrets.ErrNotFound
	}
	return t, nil
}

// IncrementRevealToken implements secrets.Store.
func (s *Store) IncrementRevealToken(_ context.Context, hash string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok || t.UsesCount >= t.MaxUses {
		return 0, false, nil
	}
	t.UsesCount++
	s.tokens[hash] = t
	return t.UsesCount, true, nil
}

// DeleteRevealToken implements secrets.Store.
func (s *Store) DeleteRevealToken(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, hash)
	return nil
}

package memory

import (
	"context"
	"slices"
	"time"

	"mcpgate.org/internal/audit"
)

// Append implements audit.Store.
func (s *Store) Append(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Result = slices.Clone(e.Result)
	s.audit = append(s.audit, e)
	return nil
}

// LatestSuccess implements audit.Store.
func (s *Store) LatestSuccess(_ context.Context, tenantID, key string) (audit.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if e.TenantID == tenantID && e.IdempotencyKey == key && e.Status == audit.StatusSuccess {
			e.Result = slices.Clone(e.Result)
			return e, true, nil
		}
	}
	return audit.Entry{}, false, nil
}

// AuditEntries returns a copy of every entry, oldest first.
func (s *Store) AuditEntries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.audit)
}

// ClaimKey implements action.ClaimStore.
func (s *Store) ClaimKey(_ context.Context, tenantID, key, requestID string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := tenantID + "\x00" + key
	if c, ok := s.claims[id]; ok && c.requestID != requestID && !c.claimedAt.Before(staleBefore) {
		return false, nil
	}
	s.claims[id] = claim{requestID: requestID, claimedAt: now}
	return true, nil
}

// ReleaseKey implements action.ClaimStore.
func (s *Store) ReleaseKey(_ context.Context, tenantID, key, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := tenantID + "\x00" + key
	if c, ok := s.claims[id]; ok && c.requestID == requestID {
		delete(s.claims, id)
	}
	return nil
}

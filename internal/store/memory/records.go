package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"mcpgate.org/internal/resource"
)

func cloneRecord(r resource.Record) resource.Record {
	r.Attributes = maps.Clone(r.Attributes)
	return r
}

func compareRecords(a, b resource.Record) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// InsertRecord implements action.Records.
func (s *Store) InsertRecord(_ context.Context, t resource.Type, r resource.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records[t.Table] {
		if existing.ID == r.ID {
			return fmt.Errorf("insert %s: duplicate id %s", t.Name, r.ID)
		}
	}
	s.records[t.Table] = append(s.records[t.Table], cloneRecord(r))
	return nil
}

// UpdateRecord implements action.Records.
func (s *Store) UpdateRecord(_ context.Context, t resource.Type, tenantID, id string, attrs map[string]any, at time.Time) (resource.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.records[t.Table]
	for i := range rows {
		if rows[i].ID != id || (t.TenantScoped && rows[i].TenantID != tenantID) {
			continue
		}
		if rows[i].Attributes == nil {
			rows[i].Attributes = make(map[string]any, len(attrs))
		}
		maps.Copy(rows[i].Attributes, attrs)
		rows[i].UpdatedAt = at
		return cloneRecord(rows[i]), nil
	}
	return resource.Record{}, resource.ErrNotFound
}

// GetRecord implements resource.Store.
func (s *Store) GetRecord(_ context.Context, t resource.Type, tenantID, id string) (resource.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records[t.Table] {
		if r.ID == id && (!t.TenantScoped || r.TenantID == tenantID) {
			return cloneRecord(r), nil
		}
	}
	return resource.Record{}, resource.ErrNotFound
}

// ListRecords implements resource.Store.
func (s *Store) ListRecords(_ context.Context, q resource.Query) ([]resource.Record, error) {
	s.mu.RLock()
	rows := slices.Clone(s.records[q.Type.Table])
	s.mu.RUnlock()

	slices.SortFunc(rows, compareRecords)
	search := strings.ToLower(q.Search)
	out := make([]resource.Record, 0, min(q.Limit, len(rows)))
	for _, r := range rows {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		if q.Type.TenantScoped && r.TenantID != q.TenantID {
			continue
		}
		if q.After != nil && !q.After.After(r) {
			continue
		}
		if q.OwnerIDs != nil && !slices.Contains(q.OwnerIDs, r.Owner(q.Type.OwnerField)) {
			continue
		}
		if search != "" && !matchesSearch(r, search) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	return out, nil
}

func matchesSearch(r resource.Record, needle string) bool {
	for _, key := range []string{"name", "title"} {
		if v, ok := r.Attributes[key].(string); ok && strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

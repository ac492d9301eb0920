// Package memory implements every gateway store in process memory. It backs
// development mode and tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"mcpgate.org/internal/action"
	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/ratelimit"
	"mcpgate.org/internal/resource"
	"mcpgate.org/internal/secrets"
)

var (
	_ auth.RoleStore        = (*Store)(nil)
	_ resource.Store        = (*Store)(nil)
	_ action.Records        = (*Store)(nil)
	_ action.ClaimStore     = (*Store)(nil)
	_ audit.Store           = (*Store)(nil)
	_ secrets.Store         = (*Store)(nil)
	_ ratelimit.WindowStore = (*Store)(nil)
)

// Grant gives a user a role within a tenant. CompanyID scopes supplier grants.
type Grant struct {
	TenantID  string
	UserID    string
	Role      string
	CompanyID string
}

type claim struct {
	requestID string
	claimedAt time.Time
}

// Store holds all state behind one lock.
type Store struct {
	mu sync.RWMutex

	grants  []Grant
	records map[string][]resource.Record // by table
	audit   []audit.Entry
	claims  map[string]claim // tenant + "\x00" + key
	secrets []secrets.Secret
	tokens  map[string]secrets.RevealToken
	windows []ratelimit.Window
}

// New returns an empty store.
func New() *Store {
	return &Store{
		records: make(map[string][]resource.Record),
		claims:  make(map[string]claim),
		tokens:  make(map[string]secrets.RevealToken),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Grant records a role grant.
func (s *Store) Grant(g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, g)
}

// RolesFor implements auth.RoleStore.
func (s *Store) RolesFor(_ context.Context, tenantID, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var roles []string
	for _, g := range s.grants {
		if g.TenantID == tenantID && g.UserID == userID && !slices.Contains(roles, g.Role) {
			roles = append(roles, g.Role)
		}
	}
	return roles, nil
}

// SupplierCompanies implements auth.RoleStore.
func (s *Store) SupplierCompanies(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, g := range s.grants {
		if g.UserID == userID && g.Role == auth.RoleSupplier && g.CompanyID != "" && !slices.Contains(out, g.CompanyID) {
			out = append(out, g.CompanyID)
		}
	}
	return out, nil
}

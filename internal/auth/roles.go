package auth

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"mcpgate.org/internal/obs"
)

// Well-known role names.
const (
	RoleOwner         = "owner"
	RoleAdmin         = "admin"
	RoleMember        = "member"
	RoleSupplier      = "supplier"
	RolePlatformAdmin = "platform_admin"
)

// RoleStore resolves role grants.
type RoleStore interface {
	// RolesFor returns every role the user holds within the tenant.
	RolesFor(ctx context.Context, tenantID, userID string) ([]string, error)
	// SupplierCompanies returns the company ids for which the user holds the supplier role.
	SupplierCompanies(ctx context.Context, userID string) ([]string, error)
}

// RoleCache memoizes role lookups for the lifetime of one request. A cache must
// never be shared across requests.
type RoleCache struct {
	store RoleStore

	mu      sync.Mutex
	entries map[string][]string
}

// NewRoleCache returns an empty cache backed by store.
func NewRoleCache(store RoleStore) *RoleCache {
	return &RoleCache{store: store, entries: make(map[string][]string)}
}

// Roles returns the user's roles for tenant. Lookup failures yield an empty set.
func (c *RoleCache) Roles(ctx context.Context, tenantID, userID string) []string {
	key := userID + ":" + tenantID
	return c.load(key, func() ([]string, error) {
		roles, err := c.store.RolesFor(ctx, tenantID, userID)
		return dedupeRoles(roles), err
	}, zap.String("tenant_id", tenantID), zap.String("user_id", userID))
}

// SupplierCompanies returns the companies the user supplies. Lookup failures
// yield an empty set.
func (c *RoleCache) SupplierCompanies(ctx context.Context, userID string) []string {
	key := "supplier:" + userID
	return c.load(key, func() ([]string, error) {
		return c.store.SupplierCompanies(ctx, userID)
	}, zap.String("user_id", userID))
}

func (c *RoleCache) load(key string, fetch func() ([]string, error), fields ...zap.Field) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.entries[key]; ok {
		return slices.Clone(v)
	}
	if c.store == nil {
		return nil
	}
	v, err := fetch()
	if err != nil {
		obs.Logger().Warn("role lookup failed", append(fields, zap.Error(err))...)
		// Not cached: a later call in the same request may succeed.
		return nil
	}
	c.entries[key] = v
	return slices.Clone(v)
}

// HasAdminScope reports whether roles grant tenant owner/admin or platform admin rights.
func HasAdminScope(roles []string) bool {
	for _, r := range roles {
		switch r {
		case RoleOwner, RoleAdmin, RolePlatformAdmin:
			return true
		}
	}
	return false
}

// SupplierOnly reports whether supplier is the caller's only role.
func SupplierOnly(roles []string) bool {
	return len(roles) > 0 && !slices.ContainsFunc(roles, func(r string) bool { return r != RoleSupplier })
}

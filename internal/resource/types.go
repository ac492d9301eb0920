// Package resource serves read-only, policy-gated access to domain entities.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"time"
)

// ErrNotFound is returned by stores for unknown or foreign rows.
var ErrNotFound = errors.New("resource: not found")

// Owner fields used for supplier ownership filtering.
const (
	OwnerByID      = "id"
	OwnerByCompany = "company_id"
)

// Type describes one resource type.
type Type struct {
	Name string
	// Table is the backing table in the relational store.
	Table string
	// TenantScoped types always filter on the caller's tenant.
	TenantScoped bool
	// OwnerField names the column compared against the caller's supplier
	// companies; empty means suppliers never own rows of this type.
	OwnerField string
}

var types = map[string]Type{
	"company":         {Name: "company", Table: "companies", TenantScoped: true, OwnerField: OwnerByID},
	"supplier":        {Name: "supplier", Table: "suppliers", TenantScoped: true, OwnerField: OwnerByID},
	"project":         {Name: "project", Table: "projects", TenantScoped: true, OwnerField: OwnerByCompany},
	"task":            {Name: "task", Table: "tasks", TenantScoped: true, OwnerField: OwnerByCompany},
	"external_system": {Name: "external_system", Table: "external_systems", TenantScoped: true},
	"application":     {Name: "application", Table: "applications"},
}

// Lookup returns the type named name.
func Lookup(name string) (Type, bool) {
	t, ok := types[name]
	return t, ok
}

// TypeNames returns every valid type name, sorted.
func TypeNames() []string {
	return slices.Sorted(maps.Keys(types))
}

// Record is one row of any resource type.
type Record struct {
	ID         string
	TenantID   string
	CompanyID  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Attributes map[string]any
}

// Owner returns the value compared for ownership filtering under field.
func (r Record) Owner(field string) string {
	switch field {
	case OwnerByID:
		return r.ID
	case OwnerByCompany:
		return r.CompanyID
	default:
		return ""
	}
}

// MarshalJSON flattens attributes next to the fixed columns.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Attributes)+5)
	maps.Copy(out, r.Attributes)
	out["id"] = r.ID
	if r.TenantID != "" {
		out["tenant_id"] = r.TenantID
	}
	if r.CompanyID != "" {
		out["company_id"] = r.CompanyID
	}
	out["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	if !r.UpdatedAt.IsZero() {
		out["updated_at"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// Query selects one page of rows.
type Query struct {
	Type     Type
	TenantID string
	// Search matches the name/title attribute, case-insensitively.
	Search string
	// OwnerIDs, when non-nil, restricts rows to those whose owner field is in the set.
	OwnerIDs []string
	After    *Cursor
	Limit    int
}

// Store reads rows ordered by (created_at, id) ascending.
type Store interface {
	ListRecords(ctx context.Context, q Query) ([]Record, error)
	GetRecord(ctx context.Context, t Type, tenantID, id string) (Record, error)
}

package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/ratelimit"
	"mcpgate.org/internal/resource"
	"mcpgate.org/internal/secrets"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRolesAndSupplierCompanies(t *testing.T) {
	s := New()
	s.Grant(Grant{TenantID: "t1", UserID: "u1", Role: auth.RoleMember})
	s.Grant(Grant{TenantID: "t1", UserID: "u1", Role: auth.RoleMember})
	s.Grant(Grant{TenantID: "t2", UserID: "u1", Role: auth.RoleAdmin})
	s.Grant(Grant{TenantID: "t1", UserID: "u2", Role: auth.RoleSupplier, CompanyID: "c1"})
	s.Grant(Grant{TenantID: "t1", UserID: "u2", Role: auth.RoleSupplier, CompanyID: "c2"})

	ctx := context.Background()
	roles, err := s.RolesFor(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, []string{auth.RoleMember}, roles)

	companies, err := s.SupplierCompanies(ctx, "u2")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c1", "c2"}, companies)

	none, err := s.SupplierCompanies(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, none)
}

func seedTasks(t *testing.T, s *Store, tenant, company string, n int) {
	t.Helper()
	typ, _ := resource.Lookup("task")
	for i := range n {
		require.NoError(t, s.InsertRecord(context.Background(), typ, resource.Record{
			ID:         fmt.Sprintf("%s-%s-%02d", tenant, company, i),
			TenantID:   tenant,
			CompanyID:  company,
			CreatedAt:  t0.Add(time.Duration(i) * time.Minute),
			Attributes: map[string]any{"title": fmt.Sprintf("Task %d", i)},
		}))
	}
}

func TestListRecordsFiltersAndPages(t *testing.T) {
	s := New()
	seedTasks(t, s, "t1", "c1", 5)
	seedTasks(t, s, "t1", "c2", 3)
	seedTasks(t, s, "t2", "c1", 4)
	typ, _ := resource.Lookup("task")
	ctx := context.Background()

	all, err := s.ListRecords(ctx, resource.Query{Type: typ, TenantID: "t1", Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 8)
	for _, r := range all {
		require.Equal(t, "t1", r.TenantID)
	}

	owned, err := s.ListRecords(ctx, resource.Query{Type: typ, TenantID: "t1", OwnerIDs: []string{"c2"}, Limit: 100})
	require.NoError(t, err)
	require.Len(t, owned, 3)

	first, err := s.ListRecords(ctx, resource.Query{Type: typ, TenantID: "t1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, first, 3)
	after := resource.Cursor{ID: first[2].ID, CreatedAt: first[2].CreatedAt}
	rest, err := s.ListRecords(ctx, resource.Query{Type: typ, TenantID: "t1", After: &after, Limit: 100})
	require.NoError(t, err)
	require.Len(t, rest, 5)
	require.NotEqual(t, first[2].ID, rest[0].ID)

	found, err := s.ListRecords(ctx, resource.Query{Type: typ, TenantID: "t2", Search: "TASK 3", Limit: 100})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "t2-c1-03", found[0].ID)
}

func TestGetAndUpdateRecordAreTenantScoped(t *testing.T) {
	s := New()
	seedTasks(t, s, "t1", "c1", 1)
	typ, _ := resource.Lookup("task")
	ctx := context.Background()

	_, err := s.GetRecord(ctx, typ, "t2", "t1-c1-00")
	require.ErrorIs(t, err, resource.ErrNotFound)
	_, err = s.UpdateRecord(ctx, typ, "t2", "t1-c1-00", map[string]any{"status": "done"}, t0)
	require.ErrorIs(t, err, resource.ErrNotFound)

	updated, err := s.UpdateRecord(ctx, typ, "t1", "t1-c1-00", map[string]any{"status": "done"}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "done", updated.Attributes["status"])
	require.Equal(t, "Task 0", updated.Attributes["title"])

	// returned copies must not alias stored state
	updated.Attributes["status"] = "todo"
	got, err := s.GetRecord(ctx, typ, "t1", "t1-c1-00")
	require.NoError(t, err)
	require.Equal(t, "done", got.Attributes["status"])
}

func TestLatestSuccess(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, audit.Entry{ID: "a", TenantID: "t1", IdempotencyKey: "k1", Status: audit.StatusSuccess, Result: []byte(`1`)}))
	require.NoError(t, s.Append(ctx, audit.Entry{ID: "b", TenantID: "t1", IdempotencyKey: "k1", Status: audit.StatusError}))
	require.NoError(t, s.Append(ctx, audit.Entry{ID: "c", TenantID: "t2", IdempotencyKey: "k1", Status: audit.StatusSuccess}))

	e, ok, err := s.LatestSuccess(ctx, "t1", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", e.ID)

	_, ok, err = s.LatestSuccess(ctx, "t1", "k2")
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, s.AuditEntries(), 3)
}

func TestClaimKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	stale := t0.Add(-5 * time.Minute)

	ok, err := s.ClaimKey(ctx, "t1", "k1", "r1", t0, stale)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = s.ClaimKey(ctx, "t1", "k1", "r2", t0, stale)
	require.False(t, ok, "live claim held by another request")

	ok, _ = s.ClaimKey(ctx, "t2", "k1", "r2", t0, stale)
	require.True(t, ok, "claims are per tenant")

	later := t0.Add(10 * time.Minute)
	ok, _ = s.ClaimKey(ctx, "t1", "k1", "r3", later, later.Add(-5*time.Minute))
	require.True(t, ok, "stale claim is taken over")

	require.NoError(t, s.ReleaseKey(ctx, "t1", "k1", "r1"))
	ok, _ = s.ClaimKey(ctx, "t1", "k1", "r4", later, later.Add(-5*time.Minute))
	require.False(t, ok, "release by a non-owner is ignored")

	require.NoError(t, s.ReleaseKey(ctx, "t1", "k1", "r3"))
	ok, _ = s.ClaimKey(ctx, "t1", "k1", "r4", later, later.Add(-5*time.Minute))
	require.True(t, ok)
}

func TestActivateSecretKeepsOneActive(t *testing.T) {
	s := New()
	ctx := context.Background()
	grace := t0.Add(secrets.GracePeriod)

	replaced, err := s.ActivateSecret(ctx, secrets.Secret{ID: "s1", TenantID: "t1", Provider: "n8n", CreatedAt: t0}, grace)
	require.NoError(t, err)
	require.Empty(t, replaced)

	rotatedAt := t0.Add(time.Hour)
	replaced, err = s.ActivateSecret(ctx, secrets.Secret{ID: "s2", TenantID: "t1", Provider: "n8n", CreatedAt: rotatedAt}, grace)
	require.NoError(t, err)
	require.Equal(t, "s1", replaced)

	list, err := s.ListSecrets(ctx, "t1", "n8n")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "s2", list[0].ID)
	require.True(t, list[0].IsActive)
	require.False(t, list[1].IsActive)
	require.Equal(t, rotatedAt, *list[1].RotatedAt)
	require.Equal(t, grace, *list[1].ExpiresAt)

	old, err := s.DeactivateSecret(ctx, "t1", "s2", t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, old.IsActive)
	require.Equal(t, t0.Add(2*time.Hour), *old.ExpiresAt)

	_, err = s.DeactivateSecret(ctx, "t2", "s1", t0)
	require.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestRevealTokenQuota(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateRevealToken(ctx, secrets.RevealToken{TokenHash: "h", MaxUses: 1}))
	require.Error(t, s.CreateRevealToken(ctx, secrets.RevealToken{TokenHash: "h", MaxUses: 1}))

	uses, ok, err := s.IncrementRevealToken(ctx, "h")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, uses)

	_, ok, err = s.IncrementRevealToken(ctx, "h")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.DeleteRevealToken(ctx, "h"))
	_, err = s.FindRevealToken(ctx, "h")
	require.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestStoreLimiterOverMemory(t *testing.T) {
	now := t0
	l := ratelimit.NewStoreLimiter(New(), func() time.Time { return now })
	key := ratelimit.Key{TenantID: "t1", UserID: "u1", Action: "mcp_secret.create"}
	ctx := context.Background()

	for i := range ratelimit.DefaultLimit {
		d, err := l.Allow(ctx, key, ratelimit.DefaultLimit, ratelimit.DefaultWindow)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i+1)
	}
	d, err := l.Allow(ctx, key, ratelimit.DefaultLimit, ratelimit.DefaultWindow)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	now = now.Add(ratelimit.DefaultWindow + time.Second)
	d, err = l.Allow(ctx, key, ratelimit.DefaultLimit, ratelimit.DefaultWindow)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

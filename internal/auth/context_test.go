package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcpgate.org/internal/apperr"
)

type stubRoleStore struct {
	roles     map[string][]string
	suppliers map[string][]string
	err       error
	calls     int
}

func (s *stubRoleStore) RolesFor(_ context.Context, tenantID, userID string) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.roles[userID+":"+tenantID], nil
}

func (s *stubRoleStore) SupplierCompanies(_ context.Context, userID string) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.suppliers[userID], nil
}

func TestBuildRequestContext(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Issue("u1", []string{"platform_admin"}, time.Minute)
	require.NoError(t, err)

	store := &stubRoleStore{roles: map[string][]string{"u1:t1": {"Member"}}}
	b := NewBuilder(v, store)

	req := httptest.NewRequest("GET", "/resources/project", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Tenant-Id", "t1")
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("Idempotency-Key", "k1")
	req.Header.Set("User-Agent", "probe/1.0")

	rc, err := b.Build(req)
	require.NoError(t, err)
	require.Equal(t, "t1", rc.TenantID)
	require.Equal(t, "u1", rc.UserID)
	require.Equal(t, "k1", rc.IdempotencyKey)
	require.Equal(t, "probe/1.0", rc.UserAgent)
	require.NotEmpty(t, rc.RequestID, "request id should be generated")

	roles := rc.Roles(context.Background())
	require.ElementsMatch(t, []string{"member", "platform_admin"}, roles)
}

func TestBuildKeepsCallerRequestID(t *testing.T) {
	v := newTestVerifier(t)
	token, _ := v.Issue("u1", nil, time.Minute)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Tenant-Id", "t1")
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-Request-Id", "req-123")

	rc, err := NewBuilder(v, &stubRoleStore{}).Build(req)
	require.NoError(t, err)
	require.Equal(t, "req-123", rc.RequestID)
}

func TestBuildFailures(t *testing.T) {
	v := newTestVerifier(t)
	token, _ := v.Issue("u1", nil, time.Minute)

	cases := []struct {
		name    string
		headers map[string]string
		code    apperr.Code
	}{
		{"missing token", map[string]string{"X-Tenant-Id": "t1", "X-User-Id": "u1"}, apperr.CodeUnauthorized},
		{"wrong scheme", map[string]string{"Authorization": "Basic abc", "X-Tenant-Id": "t1", "X-User-Id": "u1"}, apperr.CodeUnauthorized},
		{"bad token", map[string]string{"Authorization": "Bearer nope", "X-Tenant-Id": "t1", "X-User-Id": "u1"}, apperr.CodeUnauthorized},
		{"missing tenant", map[string]string{"Authorization": "Bearer " + token, "X-User-Id": "u1"}, apperr.CodeForbiddenTenant},
		{"missing user", map[string]string{"Authorization": "Bearer " + token, "X-Tenant-Id": "t1"}, apperr.CodeForbiddenTenant},
		{"subject mismatch", map[string]string{"Authorization": "Bearer " + token, "X-Tenant-Id": "t1", "X-User-Id": "u2"}, apperr.CodeForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, val := range tc.headers {
				req.Header.Set(k, val)
			}
			_, err := NewBuilder(v, &stubRoleStore{}).Build(req)
			require.Error(t, err)
			require.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
}

func TestRoleCacheMemoizesPerRequest(t *testing.T) {
	store := &stubRoleStore{
		roles:     map[string][]string{"u1:t1": {"admin", "ADMIN"}},
		suppliers: map[string][]string{"u1": {"c1", "c2"}},
	}
	cache := NewRoleCache(store)
	ctx := context.Background()

	first := cache.Roles(ctx, "t1", "u1")
	second := cache.Roles(ctx, "t1", "u1")
	require.Equal(t, []string{"admin"}, first)
	require.Equal(t, first, second)

	companies := cache.SupplierCompanies(ctx, "u1")
	_ = cache.SupplierCompanies(ctx, "u1")
	require.Equal(t, []string{"c1", "c2"}, companies)
	require.Equal(t, 2, store.calls, "each key should be fetched once")

	// Mutating a returned slice must not affect the cache.
	first[0] = "owner"
	require.Equal(t, []string{"admin"}, cache.Roles(ctx, "t1", "u1"))

	// A fresh cache (new request) queries again.
	NewRoleCache(store).Roles(ctx, "t1", "u1")
	require.Equal(t, 3, store.calls)
}

func TestRoleCacheFailsClosed(t *testing.T) {
	store := &stubRoleStore{err: errors.New("connection reset")}
	cache := NewRoleCache(store)
	require.Empty(t, cache.Roles(context.Background(), "t1", "u1"))
	require.Empty(t, cache.SupplierCompanies(context.Background(), "u1"))
}

func TestRoleHelpers(t *testing.T) {
	require.True(t, HasAdminScope([]string{"member", "owner"}))
	require.True(t, HasAdminScope([]string{"platform_admin"}))
	require.False(t, HasAdminScope([]string{"member", "supplier"}))

	require.True(t, SupplierOnly([]string{"supplier"}))
	require.False(t, SupplierOnly([]string{"supplier", "member"}))
	require.False(t, SupplierOnly(nil))
}

func TestRequestContextRoundTrip(t *testing.T) {
	rc := NewRequestContext("t1", "u1", "", nil)
	require.NotEmpty(t, rc.RequestID)
	require.Empty(t, rc.Roles(context.Background()))

	ctx := WithRequestContext(context.Background(), rc)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Same(t, rc, got)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
	require.False(t, slices.Contains(rc.Roles(ctx), RolePlatformAdmin))
}

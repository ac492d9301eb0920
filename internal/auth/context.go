package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/ids"
	"mcpgate.org/internal/obs"
)

// Header names read by the context builder.
const (
	HeaderAuthorization  = "Authorization"
	HeaderTenantID       = "X-Tenant-Id"
	HeaderUserID         = "X-User-Id"
	HeaderRequestID      = "X-Request-Id"
	HeaderIdempotencyKey = "Idempotency-Key"

	bearerPrefix = "Bearer "
)

// RequestContext describes the authenticated caller of one request. It is built
// once and not modified afterwards; roles are resolved lazily through a cache
// owned by the request.
type RequestContext struct {
	TenantID       string
	UserID         string
	RequestID      string
	Method         string
	UserAgent      string
	IdempotencyKey string

	tokenRoles []string
	cache      *RoleCache
}

// NewRequestContext assembles a context outside of HTTP, e.g. for jobs and tests.
func NewRequestContext(tenantID, userID, requestID string, cache *RoleCache) *RequestContext {
	if requestID == "" {
		requestID = ids.RequestID()
	}
	if cache == nil {
		cache = NewRoleCache(nil)
	}
	return &RequestContext{TenantID: tenantID, UserID: userID, RequestID: requestID, cache: cache}
}

// Roles returns the caller's tenant roles. Only the platform_admin role is
// honoured from token claims; everything else comes from the role store.
func (rc *RequestContext) Roles(ctx context.Context) []string {
	roles := rc.cache.Roles(ctx, rc.TenantID, rc.UserID)
	if slices.Contains(rc.tokenRoles, RolePlatformAdmin) && !slices.Contains(roles, RolePlatformAdmin) {
		roles = append(roles, RolePlatformAdmin)
	}
	return roles
}

// SupplierCompanies returns the company ids the caller supplies.
func (rc *RequestContext) SupplierCompanies(ctx context.Context) []string {
	return rc.cache.SupplierCompanies(ctx, rc.UserID)
}

// Builder authenticates inbound requests and assembles their RequestContext.
type Builder struct {
	verifier TokenVerifier
	roles    RoleStore
}

// NewBuilder wires a token verifier and role store.
func NewBuilder(verifier TokenVerifier, roles RoleStore) *Builder {
	return &Builder{verifier: verifier, roles: roles}
}

// Build validates the bearer token and caller headers. The returned context
// carries a fresh role cache.
func (b *Builder) Build(r *http.Request) (*RequestContext, error) {
	token, err := extractBearerToken(r.Header.Get(HeaderAuthorization))
	if err != nil {
		return nil, apperr.New(apperr.CodeUnauthorized, err.Error())
	}
	claims, err := b.verifier.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, apperr.New(apperr.CodeUnauthorized, "invalid token")
		}
		return nil, apperr.Wrap(apperr.CodeUnauthorized, "token verification failed", err)
	}

	tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if tenantID == "" || userID == "" {
		return nil, apperr.New(apperr.CodeForbiddenTenant, "X-Tenant-Id and X-User-Id headers are required")
	}
	if userID != claims.Subject {
		return nil, apperr.New(apperr.CodeForbidden, "user id does not match token subject")
	}

	requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
	if requestID == "" {
		requestID = ids.RequestID()
	}

	rc := &RequestContext{
		TenantID:       tenantID,
		UserID:         userID,
		RequestID:      requestID,
		Method:         r.Method,
		UserAgent:      r.UserAgent(),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
		tokenRoles:     claims.Roles,
		cache:          NewRoleCache(b.roles),
	}
	obs.Logger().Info("inbound request",
		zap.String("request_id", rc.RequestID),
		zap.String("tenant_id", rc.TenantID),
		zap.String("user_id", rc.UserID),
		zap.String("method", rc.Method),
		zap.String("path", r.URL.Path),
	)
	return rc, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", errors.New("authorization header must use Bearer scheme")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext extracts the RequestContext previously attached to ctx.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok && rc != nil
}

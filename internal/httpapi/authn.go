package httpapi

import (
	"net/http"
	"strings"
	"time"

	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/secrets"
)

// withCaller authenticates the request and attaches its RequestContext.
// Rejected requests never reach a gateway, so they are only audit-logged.
func (a *API) withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, err := a.auth.Build(r)
		if err != nil {
			_ = audit.LogEvent(r.Context(), "request.rejected", map[string]any{
				"path":      r.URL.Path,
				"code":      string(apperr.CodeOf(err)),
				"tenant_id": r.Header.Get(auth.HeaderTenantID),
				"user_id":   r.Header.Get(auth.HeaderUserID),
				"remote_ip": clientIP(r),
			})
			writeError(w, r, err)
			return
		}

		ctx := auth.WithRequestContext(r.Context(), rc)
		ctx = audit.WithRequestID(ctx, rc.RequestID)
		ctx = secrets.WithClientIP(ctx, clientIP(r))
		r = r.WithContext(ctx)

		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				a.recorder.Write(ctx, audit.Entry{
					TenantID:       rc.TenantID,
					UserID:         rc.UserID,
					Kind:           kindForPath(r),
					Target:         r.URL.Path,
					Status:         audit.StatusError,
					ErrorCode:      string(apperr.CodeInternal),
					ErrorMessage:   "handler panic",
					DurationMS:     time.Since(start).Milliseconds(),
					RequestID:      rc.RequestID,
					IdempotencyKey: rc.IdempotencyKey,
				})
				panic(rec)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// reject audits an error raised by the HTTP layer itself, before a gateway
// had the chance to record the call, and renders it.
func (a *API) reject(w http.ResponseWriter, r *http.Request, target string, err error) {
	if rc, ok := auth.FromContext(r.Context()); ok {
		ae := apperr.Classify(err)
		a.recorder.Write(r.Context(), audit.Entry{
			TenantID:       rc.TenantID,
			UserID:         rc.UserID,
			Kind:           kindForPath(r),
			Target:         target,
			Status:         audit.StatusError,
			ErrorCode:      string(ae.Code),
			ErrorMessage:   ae.Message,
			RequestID:      rc.RequestID,
			IdempotencyKey: rc.IdempotencyKey,
		})
	}
	writeError(w, r, err)
}

func kindForPath(r *http.Request) audit.Kind {
	switch p := r.URL.Path; {
	case strings.HasPrefix(p, "/actions/"):
		return audit.KindAction
	case strings.HasPrefix(p, "/admin-mcp-secrets"):
		return audit.KindSecret
	default:
		return audit.KindResource
	}
}

package httpapi

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/signing"
)

// Callback accepts a workflow engine's signed delivery. The tenant comes from
// X-MCP-Tenant and the body must carry a valid X-MCP-Signature for one of the
// tenant's unexpired provider secrets.
func (a *API) Callback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	tenantID := strings.TrimSpace(r.Header.Get(signing.HeaderTenant))
	target := "callback." + provider

	record := func(err error) {
		if tenantID == "" {
			return
		}
		e := audit.Entry{
			TenantID:   tenantID,
			UserID:     provider,
			Kind:       audit.KindCallback,
			Target:     target,
			Status:     audit.StatusSuccess,
			DurationMS: time.Since(start).Milliseconds(),
			RequestID:  RequestIDFromContext(r.Context()),
		}
		if err != nil {
			ae := apperr.Classify(err)
			e.Status = audit.StatusError
			e.ErrorCode = string(ae.Code)
			e.ErrorMessage = ae.Message
		}
		a.recorder.Write(r.Context(), e)
	}

	if a.callbacks == nil {
		writeError(w, r, apperr.New(apperr.CodeSecretNotConfigured, "callbacks are not enabled"))
		return
	}
	if tenantID == "" {
		_ = audit.LogEvent(r.Context(), "callback.rejected", map[string]any{"provider": provider, "reason": "missing tenant"})
		writeError(w, r, apperr.New(apperr.CodeForbiddenTenant, signing.HeaderTenant+" header is required"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		err = apperr.Wrap(apperr.CodeValidation, "read request body", err)
		record(err)
		writeError(w, r, err)
		return
	}
	if err := a.callbacks.ValidateWebhookSignature(r, body, tenantID, provider); err != nil {
		record(err)
		writeError(w, r, err)
		return
	}
	record(nil)
	writeData(w, r, http.StatusOK, map[string]any{
		"received": true,
		"provider": provider,
		"bytes":    len(body),
	}, map[string]any{"tenant_id": tenantID})
}

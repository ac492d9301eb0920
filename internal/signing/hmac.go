// Package signing signs outbound webhook payloads and verifies inbound
// callback signatures.
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/obs"
)

// Header names of the webhook contract.
const (
	HeaderSignature = "X-MCP-Signature"
	HeaderTenant    = "X-MCP-Tenant"
	HeaderRequestID = "X-Request-Id"
)

// Sign returns the hex encoded HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC of body under secret. The
// comparison runs in constant time for equal-length inputs.
func Verify(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	if len(expected) != len(signature) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Key is a stored secret that may still be used for verification.
type Key struct {
	ID        string
	Value     string
	Active    bool
	ExpiresAt *time.Time
}

func (k Key) expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// KeySource returns every stored key for (tenant, provider): the active one and
// any rotated keys, expired or not.
type KeySource interface {
	VerificationKeys(ctx context.Context, tenantID, provider string) ([]Key, error)
}

// Validator guards inbound callbacks.
type Validator struct {
	keys KeySource
	now  func() time.Time
}

// NewValidator returns a validator backed by keys.
func NewValidator(keys KeySource) *Validator {
	return &Validator{keys: keys, now: time.Now}
}

// ValidateWebhookSignature checks the X-MCP-Signature header of r against body
// using any unexpired key on file. Rotated keys stay valid until they expire.
func (v *Validator) ValidateWebhookSignature(r *http.Request, body []byte, tenantID, provider string) error {
	log := obs.Logger().With(
		zap.String("tenant_id", tenantID),
		zap.String("provider", provider),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("path", r.URL.Path),
	)

	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if signature == "" {
		log.Warn("webhook signature missing")
		return apperr.New(apperr.CodeMissingSignature, "missing "+HeaderSignature+" header")
	}

	keys, err := v.keys.VerificationKeys(r.Context(), tenantID, provider)
	if err != nil {
		log.Error("webhook key lookup failed", zap.Error(err))
		return apperr.Wrap(apperr.CodeInternal, "signature verification unavailable", err)
	}
	if len(keys) == 0 {
		log.Warn("webhook secret not configured")
		return apperr.New(apperr.CodeSecretNotConfigured, "no signing secret configured")
	}

	now := v.now()
	usable := 0
	for _, k := range keys {
		if k.expired(now) {
			continue
		}
		usable++
		if Verify(k.Value, body, signature) {
			if !k.Active {
				log.Info("webhook verified with rotated secret", zap.String("secret_id", k.ID))
			}
			return nil
		}
	}
	if usable == 0 {
		log.Warn("webhook secret expired")
		return apperr.New(apperr.CodeSecretExpired, "signing secret expired")
	}
	log.Warn("webhook signature mismatch", zap.Int("candidate_keys", usable), zap.Int("body_bytes", len(body)))
	return apperr.New(apperr.CodeInvalidSignature, "signature mismatch")
}

package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/ids"
	"mcpgate.org/internal/obs"
	"mcpgate.org/internal/ratelimit"
	"mcpgate.org/internal/signing"
)

// Audit and rate-limit action names.
const (
	ActionCreate         = "mcp_secret.create"
	ActionRotate         = "mcp_secret.rotate"
	ActionDeactivate     = "mcp_secret.deactivate"
	ActionReveal         = "mcp_secret.reveal"
	ActionList           = "mcp_secret.list"
	ActionHealth         = "mcp_secret.health"
	ActionPing           = "mcp_secret.ping"
	ActionVerifyCallback = "mcp_secret.verify_callback"
)

var providerPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

var errInvalidToken = apperr.New(apperr.CodeInvalidToken, "invalid or expired token")

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder sets the audit recorder.
func WithRecorder(r *audit.Recorder) Option { return func(m *Manager) { m.audit = r } }

// WithGuard sets the rate-limit guard applied to create, rotate and reveal.
func WithGuard(g *ratelimit.Guard) Option { return func(m *Manager) { m.guard = g } }

// WithSealer enables at-rest encryption.
func WithSealer(s *Sealer) Option { return func(m *Manager) { m.sealer = s } }

// WithWebhookClient sets the client used by Ping.
func WithWebhookClient(c *signing.Client) Option { return func(m *Manager) { m.webhooks = c } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRandom overrides the entropy source.
func WithRandom(r io.Reader) Option { return func(m *Manager) { m.rand = r } }

// Manager implements the secret lifecycle.
type Manager struct {
	store    Store
	audit    *audit.Recorder
	guard    *ratelimit.Guard
	sealer   *Sealer
	webhooks *signing.Client
	now      func() time.Time
	rand     io.Reader
}

// NewManager returns a Manager over store.
func NewManager(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("secrets store is required")
	}
	m := &Manager{store: store, now: time.Now, rand: rand.Reader}
	for _, opt := range opts {
		opt(m)
	}
	if m.audit == nil {
		m.audit = audit.NewRecorder(nil)
	}
	return m, nil
}

// op tracks one audited operation.
type op struct {
	m        *Manager
	ctx      context.Context
	rc       *auth.RequestContext
	action   string
	start    time.Time
	secretID string
}

func (m *Manager) begin(ctx context.Context, rc *auth.RequestContext, action string) *op {
	return &op{m: m, ctx: ctx, rc: rc, action: action, start: time.Now()}
}

// finish writes the audit entry for the operation. It is always called,
// whatever the outcome.
func (o *op) finish(err error) {
	e := audit.Entry{
		TenantID:   o.rc.TenantID,
		UserID:     o.rc.UserID,
		Kind:       audit.KindSecret,
		Target:     o.action,
		Status:     audit.StatusSuccess,
		DurationMS: time.Since(o.start).Milliseconds(),
		RequestID:  o.rc.RequestID,
		SecretID:   o.secretID,
	}
	if err != nil {
		ae := apperr.Classify(err)
		e.Status = audit.StatusError
		e.ErrorCode = string(ae.Code)
		e.ErrorMessage = ae.Message
	}
	_ = o.m.audit.Write(o.ctx, e)
}

func (m *Manager) requireAdmin(ctx context.Context, rc *auth.RequestContext) error {
	if !auth.HasAdminScope(rc.Roles(ctx)) {
		return apperr.New(apperr.CodeForbidden, "tenant owner/admin or platform admin role required")
	}
	return nil
}

func (m *Manager) checkRate(ctx context.Context, rc *auth.RequestContext, action string) error {
	if m.guard == nil {
		return nil
	}
	return m.guard.Check(ctx, ratelimit.Key{TenantID: rc.TenantID, UserID: rc.UserID, Action: action})
}

func normalizeProvider(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	if !providerPattern.MatchString(p) {
		return "", apperr.New(apperr.CodeValidation, "provider is required and must match [a-z0-9_-]{1,64}")
	}
	return p, nil
}

// Create issues a new active secret for provider, deactivating the previous one.
func (m *Manager) Create(ctx context.Context, rc *auth.RequestContext, provider string) (Issued, error) {
	return m.issue(ctx, rc, provider, ActionCreate)
}

// Rotate is Create recorded under a distinct action.
func (m *Manager) Rotate(ctx context.Context, rc *auth.RequestContext, provider string) (Issued, error) {
	return m.issue(ctx, rc, provider, ActionRotate)
}

func (m *Manager) issue(ctx context.Context, rc *auth.RequestContext, provider, action string) (out Issued, err error) {
	o := m.begin(ctx, rc, action)
	defer func() { o.finish(err) }()

	if err := m.requireAdmin(ctx, rc); err != nil {
		return Issued{}, err
	}
	if err := m.checkRate(ctx, rc, action); err != nil {
		return Issued{}, err
	}
	provider, err = normalizeProvider(provider)
	if err != nil {
		return Issued{}, err
	}

	raw, err := m.randomBytes(secretBytes)
	if err != nil {
		return Issued{}, err
	}
	value := base64.StdEncoding.EncodeToString(raw)
	stored, err := m.sealer.Seal(value)
	if err != nil {
		return Issued{}, apperr.Wrap(apperr.CodeInternal, "seal secret", err)
	}

	now := m.now().UTC()
	sec := Secret{
		ID:        ids.NewAt(now),
		TenantID:  rc.TenantID,
		Provider:  provider,
		Value:     stored,
		IsActive:  true,
		CreatedAt: now,
		CreatedBy: rc.UserID,
	}
	replaced, err := m.store.ActivateSecret(ctx, sec, now.Add(GracePeriod))
	if err != nil {
		return Issued{}, apperr.Wrap(apperr.CodeInternal, "store secret", err)
	}
	o.secretID = sec.ID

	token, expiresAt, err := m.issueRevealToken(ctx, rc, sec.ID, now)
	if err != nil {
		return Issued{}, err
	}
	obs.Logger().Info("secret issued",
		zap.String("tenant_id", rc.TenantID),
		zap.String("provider", provider),
		zap.String("secret_id", sec.ID),
		zap.String("replaced_id", replaced),
		zap.String("action", action),
	)
	sec.Value = ""
	return Issued{
		Secret:          sec.Metadata(),
		RevealOnceToken: token,
		RevealExpiresAt: expiresAt,
		ReplacedID:      replaced,
	}, nil
}

func (m *Manager) issueRevealToken(ctx context.Context, rc *auth.RequestContext, secretID string, now time.Time) (string, time.Time, error) {
	raw, err := m.randomBytes(revealTokenBytes)
	if err != nil {
		return "", time.Time{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	expiresAt := now.Add(RevealTokenTTL)
	err = m.store.CreateRevealToken(ctx, RevealToken{
		TokenHash: hashToken(token),
		TenantID:  rc.TenantID,
		UserID:    rc.UserID,
		Purpose:   purposeRevealOnce,
		SecretID:  secretID,
		MaxUses:   RevealMaxUses,
		ExpiresAt: expiresAt,
		IPAddress: ipFromContext(ctx),
		CreatedAt: now,
	})
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.CodeInternal, "store reveal token", err)
	}
	return token, expiresAt, nil
}

// Deactivate clears the active flag of a tenant secret. Deactivating an
// inactive secret succeeds without changes.
func (m *Manager) Deactivate(ctx context.Context, rc *auth.RequestContext, id string) (_ Metadata, err error) {
	o := m.begin(ctx, rc, ActionDeactivate)
	o.secretID = id
	defer func() { o.finish(err) }()

	if err := m.requireAdmin(ctx, rc); err != nil {
		return Metadata{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Metadata{}, apperr.New(apperr.CodeValidation, "secret id is required")
	}
	sec, err := m.store.DeactivateSecret(ctx, rc.TenantID, id, m.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Metadata{}, apperr.New(apperr.CodeNotFound, "secret not found")
		}
		return Metadata{}, apperr.Wrap(apperr.CodeInternal, "deactivate secret", err)
	}
	return sec.Metadata(), nil
}

// Reveal consumes a reveal token and returns the plaintext secret. Every
// failure is reported as INVALID_OR_EXPIRED_TOKEN.
func (m *Manager) Reveal(ctx context.Context, rc *auth.RequestContext, token string) (secret string, err error) {
	o := m.begin(ctx, rc, ActionReveal)
	defer func() { o.finish(err) }()

	if err := m.requireAdmin(ctx, rc); err != nil {
		return "", err
	}
	if err := m.checkRate(ctx, rc, ActionReveal); err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errInvalidToken
	}
	hash := hashToken(token)
	log := obs.Logger().With(zap.String("tenant_id", rc.TenantID), zap.String("user_id", rc.UserID))

	tok, err := m.store.FindRevealToken(ctx, hash)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Error("reveal token lookup failed", zap.Error(err))
		}
		return "", errInvalidToken
	}
	if !m.now().Before(tok.ExpiresAt) || tok.UsesCount >= tok.MaxUses {
		if err := m.store.DeleteRevealToken(ctx, hash); err != nil {
			log.Warn("delete spent reveal token", zap.Error(err))
		}
		log.Warn("reveal token expired or exhausted")
		return "", errInvalidToken
	}
	if tok.TenantID != rc.TenantID || tok.UserID != rc.UserID {
		log.Warn("reveal token presented by another principal")
		return "", errInvalidToken
	}
	o.secretID = tok.SecretID

	uses, ok, err := m.store.IncrementRevealToken(ctx, hash)
	if err != nil || !ok {
		if err != nil {
			log.Error("reveal token increment failed", zap.Error(err))
		}
		return "", errInvalidToken
	}
	if uses >= tok.MaxUses {
		if err := m.store.DeleteRevealToken(ctx, hash); err != nil {
			log.Warn("delete spent reveal token", zap.Error(err))
		}
	}

	sec, err := m.store.GetSecret(ctx, rc.TenantID, tok.SecretID)
	if err != nil {
		log.Error("reveal secret lookup failed", zap.String("secret_id", tok.SecretID), zap.Error(err))
		return "", errInvalidToken
	}
	plain, err := m.sealer.Open(sec.Value)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "open secret", err)
	}
	return plain, nil
}

// List returns metadata for the tenant's secrets.
func (m *Manager) List(ctx context.Context, rc *auth.RequestContext, provider string) (_ []Metadata, err error) {
	o := m.begin(ctx, rc, ActionList)
	defer func() { o.finish(err) }()

	if err := m.requireAdmin(ctx, rc); err != nil {
		return nil, err
	}
	if provider != "" {
		if provider, err = normalizeProvider(provider); err != nil {
			return nil, err
		}
	}
	secs, err := m.store.ListSecrets(ctx, rc.TenantID, provider)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "list secrets", err)
	}
	out := make([]Metadata, 0, len(secs))
	for _, s := range secs {
		out = append(out, s.Metadata())
	}
	return out, nil
}

// Health reports whether a provider has a usable secret and flags problems.
func (m *Manager) Health(ctx context.Context, rc *auth.RequestContext, provider string) (_ Health, err error) {
	o := m.begin(ctx, rc, ActionHealth)
	defer func() { o.finish(err) }()

	if err := m.requireAdmin(ctx, rc); err != nil {
		return Health{}, err
	}
	if provider, err = normalizeProvider(provider); err != nil {
		return Health{}, err
	}
	secs, err := m.store.ListSecrets(ctx, rc.TenantID, provider)
	if err != nil {
		return Health{}, apperr.Wrap(apperr.CodeInternal, "list secrets", err)
	}

	now := m.now().UTC()
	h := Health{Provider: provider, Warnings: []string{}}
	for _, s := range secs {
		switch {
		case s.IsActive && !h.Active:
			h.Active = true
			h.ActiveID = s.ID
			o.secretID = s.ID
			h.AgeDays = int(now.Sub(s.CreatedAt).Hours() / 24)
			if s.ExpiresAt != nil {
				days := daysUntil(now, *s.ExpiresAt)
				h.ExpiresInDays = &days
			}
			if now.Sub(s.CreatedAt) > StaleAfter {
				h.Warnings = append(h.Warnings, fmt.Sprintf("active secret is %d days old; rotate it", h.AgeDays))
			}
		case !s.IsActive && s.ExpiresAt != nil && now.Before(*s.ExpiresAt):
			h.Warnings = append(h.Warnings, fmt.Sprintf("rotated secret %s remains valid for %d more days", s.ID, daysUntil(now, *s.ExpiresAt)))
		}
	}
	if !h.Active {
		h.Warnings = append(h.Warnings, "no active secret configured")
	}
	return h, nil
}

func daysUntil(now, t time.Time) int {
	return int(t.Sub(now).Hours() / 24)
}

// VerifyResult is the outcome of an offline signature check.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	SecretID string `json:"secret_id,omitempty"`
	Active   bool   `json:"active"`
}

// VerifyCallback checks signature against payload with every unexpired key.
// No state is consumed.
func (m *Manager) VerifyCallback(ctx context.Context, rc *auth.RequestContext, provider string, payload []byte, signature string) (_ VerifyResult, err error) {
	o := m.begin(ctx, rc, ActionVerifyCallback)
	defer func() { o.finish(err) }()

	if err := m.requireAdmin(ctx, rc); err != nil {
		return VerifyResult{}, err
	}
	if provider, err = normalizeProvider(provider); err != nil {
		return VerifyResult{}, err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return VerifyResult{}, apperr.New(apperr.CodeValidation, "signature is required")
	}
	keys, err := m.VerificationKeys(ctx, rc.TenantID, provider)
	if err != nil {
		return VerifyResult{}, err
	}
	if len(keys) == 0 {
		return VerifyResult{}, apperr.New(apperr.CodeSecretNotConfigured, "no signing secret configured")
	}
	now := m.now()
	for _, k := range keys {
		if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
			continue
		}
		if signing.Verify(k.Value, payload, signature) {
			o.secretID = k.ID
			return VerifyResult{Valid: true, SecretID: k.ID, Active: k.Active}, nil
		}
	}
	return VerifyResult{Valid: false}, nil
}

// PingResult reports a signed test delivery.
type PingResult struct {
	URL       string `json:"url"`
	Status    int    `json:"status"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Ping sends a signed test event to {webhook base}/{workflowKey}.
func (m *Manager) Ping(ctx context.Context, rc *auth.RequestContext, provider, workflowKey string) (_ PingResult, err error) {
	o := m.begin(ctx, rc, ActionPing)
	defer func() { o.finish(err) }()

	if err := m.requireAdmin(ctx, rc); err != nil {
		return PingResult{}, err
	}
	if provider, err = normalizeProvider(provider); err != nil {
		return PingResult{}, err
	}
	workflowKey = strings.Trim(strings.TrimSpace(workflowKey), "/")
	if workflowKey == "" {
		return PingResult{}, apperr.New(apperr.CodeValidation, "workflow_key is required")
	}
	if !m.webhooks.Configured() {
		return PingResult{}, apperr.New(apperr.CodeValidation, "webhook base url is not configured")
	}
	secretID, value, err := m.signingSecret(ctx, rc.TenantID, provider)
	if err != nil {
		return PingResult{}, err
	}
	o.secretID = secretID

	payload := map[string]any{
		"event":        "mcp.ping",
		"tenant_id":    rc.TenantID,
		"provider":     provider,
		"workflow_key": workflowKey,
		"request_id":   rc.RequestID,
		"sent_at":      m.now().UTC().Format(time.RFC3339),
	}
	d, sendErr := m.webhooks.Send(ctx, workflowKey, rc.TenantID, rc.RequestID, value, payload)
	res := PingResult{URL: d.URL, Status: d.Status, OK: sendErr == nil && d.OK(), LatencyMS: d.LatencyMS()}
	if sendErr != nil {
		res.Error = sendErr.Error()
	}
	return res, nil
}

// SigningSecret returns the plaintext of the tenant's active secret for provider.
func (m *Manager) SigningSecret(ctx context.Context, tenantID, provider string) (string, error) {
	_, v, err := m.signingSecret(ctx, tenantID, provider)
	return v, err
}

func (m *Manager) signingSecret(ctx context.Context, tenantID, provider string) (string, string, error) {
	secs, err := m.store.ListSecrets(ctx, tenantID, provider)
	if err != nil {
		return "", "", apperr.Wrap(apperr.CodeInternal, "list secrets", err)
	}
	now := m.now()
	for _, s := range secs {
		if !s.IsActive {
			continue
		}
		if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
			return "", "", apperr.New(apperr.CodeSecretExpired, "signing secret expired")
		}
		v, err := m.sealer.Open(s.Value)
		if err != nil {
			return "", "", apperr.Wrap(apperr.CodeInternal, "open secret", err)
		}
		return s.ID, v, nil
	}
	return "", "", apperr.Newf(apperr.CodeSecretNotConfigured, "no active %s secret configured", provider)
}

// VerificationKeys implements signing.KeySource: the active secret first, then
// rotated secrets that carry an expiry.
func (m *Manager) VerificationKeys(ctx context.Context, tenantID, provider string) ([]signing.Key, error) {
	secs, err := m.store.ListSecrets(ctx, tenantID, provider)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "list secrets", err)
	}
	var active, rotated []signing.Key
	for _, s := range secs {
		if !s.IsActive && s.ExpiresAt == nil {
			continue
		}
		v, err := m.sealer.Open(s.Value)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "open secret", err)
		}
		k := signing.Key{ID: s.ID, Value: v, Active: s.IsActive, ExpiresAt: s.ExpiresAt}
		if s.IsActive {
			active = append(active, k)
		} else {
			rotated = append(rotated, k)
		}
	}
	return append(active, rotated...), nil
}

func (m *Manager) randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(m.rand, b); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "generate random bytes", err)
	}
	return b, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type ipContextKey struct{}

// WithClientIP records the caller's address for reveal-token bookkeeping.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipContextKey{}, ip)
}

func ipFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ipContextKey{}).(string)
	return v
}

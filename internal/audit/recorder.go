package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"mcpgate.org/internal/ids"
	"mcpgate.org/internal/obs"
)

// Status of an audited invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Kind distinguishes the surface that produced an entry.
type Kind string

const (
	KindResource Kind = "resource"
	KindAction   Kind = "action"
	KindSecret   Kind = "secret"
	KindCallback Kind = "callback"
)

// Entry is one immutable audit record.
type Entry struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	UserID         string          `json:"user_id"`
	Kind           Kind            `json:"kind"`
	Target         string          `json:"target"`
	Status         Status          `json:"status"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
	RequestID      string          `json:"request_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	PolicyResult   string          `json:"policy_result,omitempty"`
	MatchedRule    string          `json:"matched_rule,omitempty"`
	SecretID       string          `json:"secret_id,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store persists entries. Entries are append-only.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// LatestSuccess returns the newest success entry for (tenant, idempotency key).
	LatestSuccess(ctx context.Context, tenantID, idempotencyKey string) (Entry, bool, error)
}

// Result reports the outcome of a best-effort write. Callers are expected to
// discard it; it exists so tests can observe failures.
type Result struct {
	ID  string
	Err error
}

// Recorder writes entries without ever failing the caller.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder returns a recorder over store. A nil store only logs.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Write fills in id and timestamp, emits an audit log line and persists e.
// Persistence failures are logged and counted, never returned as errors.
func (r *Recorder) Write(ctx context.Context, e Entry) Result {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	fields := map[string]any{
		"tenant_id":   e.TenantID,
		"user_id":     e.UserID,
		"kind":        string(e.Kind),
		"target":      e.Target,
		"status":      string(e.Status),
		"duration_ms": e.DurationMS,
	}
	if e.ErrorCode != "" {
		fields["error_code"] = e.ErrorCode
	}
	if e.PolicyResult != "" {
		fields["policy_result"] = e.PolicyResult
	}
	if e.SecretID != "" {
		fields["secret_id"] = e.SecretID
	}
	_ = LogEvent(WithRequestID(ctx, e.RequestID), string(e.Kind)+"."+e.Target, fields)

	if r.store == nil {
		return Result{ID: e.ID}
	}
	if err := r.store.Append(ctx, e); err != nil {
		obs.ObserveAuditFailure()
		obs.Logger().Error("audit write failed",
			zap.String("request_id", e.RequestID),
			zap.String("tenant_id", e.TenantID),
			zap.String("target", e.Target),
			zap.Error(err),
		)
		return Result{ID: e.ID, Err: err}
	}
	return Result{ID: e.ID}
}

// LatestSuccess looks up the replay source for an idempotency key.
func (r *Recorder) LatestSuccess(ctx context.Context, tenantID, key string) (Entry, bool, error) {
	if r.store == nil || key == "" {
		return Entry{}, false, nil
	}
	return r.store.LatestSuccess(ctx, tenantID, key)
}

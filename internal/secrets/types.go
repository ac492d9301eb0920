// Package secrets manages per-tenant signing secrets: issuance, rotation with
// a grace window, deactivation and single-use reveal tokens.
package secrets

import (
	"context"
	"errors"
	"time"
)

// Lifecycle constants.
const (
	GracePeriod       = 60 * 24 * time.Hour
	RevealTokenTTL    = 30 * time.Minute
	RevealMaxUses     = 1
	StaleAfter        = 90 * 24 * time.Hour
	secretBytes       = 32
	revealTokenBytes  = 32
	purposeRevealOnce = "reveal_secret"
)

// ErrNotFound is returned by stores for unknown ids or token hashes.
var ErrNotFound = errors.New("secrets: not found")

// Secret is a stored signing secret. Value may be sealed.
type Secret struct {
	ID        string
	TenantID  string
	Provider  string
	Value     string
	IsActive  bool
	CreatedAt time.Time
	RotatedAt *time.Time
	ExpiresAt *time.Time
	CreatedBy string
}

// Metadata is the non-secret view of a Secret returned to callers.
type Metadata struct {
	ID        string     `json:"id"`
	Provider  string     `json:"provider"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
}

// Metadata strips the value.
func (s Secret) Metadata() Metadata {
	return Metadata{
		ID:        s.ID,
		Provider:  s.Provider,
		IsActive:  s.IsActive,
		CreatedAt: s.CreatedAt,
		RotatedAt: s.RotatedAt,
		ExpiresAt: s.ExpiresAt,
		CreatedBy: s.CreatedBy,
	}
}

// RevealToken authorizes viewing a secret. Only the hash of the raw token is stored.
type RevealToken struct {
	TokenHash string
	TenantID  string
	UserID    string
	Purpose   string
	SecretID  string
	MaxUses   int
	UsesCount int
	ExpiresAt time.Time
	IPAddress string
	CreatedAt time.Time
}

// Store persists secrets and reveal tokens.
type Store interface {
	// ActivateSecret atomically deactivates the active secret for
	// (s.TenantID, s.Provider), stamping its rotated_at with s.CreatedAt and its
	// expires_at with graceUntil, then inserts s as the active secret. It
	// returns the id of the deactivated secret, or "".
	ActivateSecret(ctx context.Context, s Secret, graceUntil time.Time) (string, error)
	// DeactivateSecret clears is_active for id within tenant and caps its
	// expiry at at. Already inactive secrets are returned unchanged.
	DeactivateSecret(ctx context.Context, tenantID, id string, at time.Time) (Secret, error)
	GetSecret(ctx context.Context, tenantID, id string) (Secret, error)
	// ListSecrets returns the tenant's secrets, newest first. An empty
	// provider lists every provider.
	ListSecrets(ctx context.Context, tenantID, provider string) ([]Secret, error)

	CreateRevealToken(ctx context.Context, t RevealToken) error
	FindRevealToken(ctx context.Context, hash string) (RevealToken, error)
	// IncrementRevealToken adds one use if the token is still under quota and
	// returns the new count. ok is false when the quota was already spent.
	IncrementRevealToken(ctx context.Context, hash string) (uses int, ok bool, err error)
	DeleteRevealToken(ctx context.Context, hash string) error
}

// Issued is returned by Create and Rotate.
type Issued struct {
	Secret          Metadata  `json:"secret"`
	RevealOnceToken string    `json:"reveal_once_token"`
	RevealExpiresAt time.Time `json:"reveal_expires_at"`
	ReplacedID      string    `json:"replaced_id,omitempty"`
}

// Health summarizes the state of a provider's secrets.
type Health struct {
	Provider      string   `json:"provider"`
	Active        bool     `json:"active"`
	ActiveID      string   `json:"active_id,omitempty"`
	ExpiresInDays *int     `json:"expires_in_days"`
	AgeDays       int      `json:"age_days,omitempty"`
	Warnings      []string `json:"warnings"`
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mcpgate.org/internal/secrets"
)

const secretColumns = `id, tenant_id, provider, value, is_active, created_at, rotated_at, expires_at, coalesce(created_by, '')`

// ActivateSecret demotes the current active secret and inserts the new one in
// a single transaction. The partial unique index on (tenant_id, provider)
// where is_active rejects a concurrent second activation.
func (s *Store) ActivateSecret(ctx context.Context, sec secrets.Secret, graceUntil time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var replaced string
	err = tx.QueryRowContext(ctx, `
		update mcp_secrets
		set is_active = false, rotated_at = $3, expires_at = $4
		where tenant_id = $1 and provider = $2 and is_active
		returning id
	`, sec.TenantID, sec.Provider, sec.CreatedAt, graceUntil).Scan(&replaced)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into mcp_secrets (id, tenant_id, provider, value, is_active, created_at, expires_at, created_by)
		values ($1, $2, $3, $4, true, $5, $6, $7)
	`, sec.ID, sec.TenantID, sec.Provider, sec.Value, sec.CreatedAt, nullTime(sec.ExpiresAt), nullString(sec.CreatedBy)); err != nil {
		return "", mapWriteError(err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return replaced, nil
}

func (s *Store) DeactivateSecret(ctx context.Context, tenantID, id string, at time.Time) (secrets.Secret, error) {
	sec, err := scanSecret(s.db.QueryRowContext(ctx, `
		update mcp_secrets
		set is_active = false,
			expires_at = case when is_active then least(coalesce(expires_at, $3), $3) else expires_at end
		where tenant_id = $1 and id = $2
		returning `+secretColumns, tenantID, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return secrets.Secret{}, secrets.ErrNotFound
	}
	return sec, err
}

func (s *Store) GetSecret(ctx context.Context, tenantID, id string) (secrets.Secret, error) {
	sec, err := scanSecret(s.db.QueryRowContext(ctx, `
		select `+secretColumns+` from mcp_secrets where tenant_id = $1 and id = $2
	`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return secrets.Secret{}, secrets.ErrNotFound
	}
	return sec, err
}

func (s *Store) ListSecrets(ctx context.Context, tenantID, provider string) ([]secrets.Secret, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+secretColumns+`
		from mcp_secrets
		where tenant_id = $1 and ($2 = '' or provider = $2)
		order by created_at desc, id desc
	`, tenantID, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []secrets.Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanSecret(row interface{ Scan(...any) error }) (secrets.Secret, error) {
	var (
		sec              secrets.Secret
		rotated, expires sql.NullTime
	)
	if err := row.Scan(&sec.ID, &sec.TenantID, &sec.Provider, &sec.Value, &sec.IsActive,
		&sec.CreatedAt, &rotated, &expires, &sec.CreatedBy); err != nil {
		return secrets.Secret{}, err
	}
	sec.RotatedAt = timePtr(rotated)
	sec.ExpiresAt = timePtr(expires)
	return sec, nil
}

func (s *Store) CreateRevealToken(ctx context.Context, t secrets.RevealToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into reveal_tokens (token_hash, tenant_id, user_id, purpose, secret_id, max_uses, uses_count, expires_at, ip_address, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.TokenHash, t.TenantID, t.UserID, t.Purpose, t.SecretID, t.MaxUses, t.UsesCount,
		t.ExpiresAt, nullString(t.IPAddress), t.CreatedAt)
	return mapWriteError(err)
}

func (s *Store) FindRevealToken(ctx context.Context, hash string) (secrets.RevealToken, error) {
	var (
		t  secrets.RevealToken
		ip sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select token_hash, tenant_id, user_id, purpose, secret_id, max_uses, uses_count, expires_at, ip_address, created_at
		from reveal_tokens where token_hash = $1
	`, hash).Scan(&t.TokenHash, &t.TenantID, &t.UserID, &t.Purpose, &t.SecretID, &t.MaxUses,
		&t.UsesCount, &t.ExpiresAt, &ip, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return secrets.RevealToken{}, secrets.ErrNotFound
	}
	if err != nil {
		return secrets.RevealToken{}, err
	}
	t.IPAddress = ip.String
	return t, nil
}

// IncrementRevealToken consumes one use with a conditional update, so two
// concurrent reveals cannot both succeed on a single-use token.
func (s *Store) IncrementRevealToken(ctx context.Context, hash string) (int, bool, error) {
	var uses int
	err := s.db.QueryRowContext(ctx, `
		update reveal_tokens
		set uses_count = uses_count + 1
		where token_hash = $1 and uses_count < max_uses
		returning uses_count
	`, hash).Scan(&uses)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uses, true, nil
}

func (s *Store) DeleteRevealToken(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `delete from reveal_tokens where token_hash = $1`, hash)
	return err
}

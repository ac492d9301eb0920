package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mcpgate.org/internal/audit"
)

func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	var result any
	if len(e.Result) > 0 {
		result = []byte(e.Result)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (
			id, tenant_id, user_id, kind, target, status, error_code, error_message,
			duration_ms, request_id, idempotency_key, policy_result, matched_rule,
			secret_id, result, created_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, e.ID, e.TenantID, e.UserID, string(e.Kind), e.Target, string(e.Status),
		nullString(e.ErrorCode), nullString(e.ErrorMessage), e.DurationMS, e.RequestID,
		nullString(e.IdempotencyKey), nullString(e.PolicyResult), nullString(e.MatchedRule),
		nullString(e.SecretID), result, e.CreatedAt)
	return mapWriteError(err)
}

func (s *Store) LatestSuccess(ctx context.Context, tenantID, key string) (audit.Entry, bool, error) {
	var (
		e              audit.Entry
		kind, status   string
		code, msg      sql.NullString
		policy, rule   sql.NullString
		secretID, idem sql.NullString
		result         []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, user_id, kind, target, status, error_code, error_message,
			duration_ms, request_id, idempotency_key, policy_result, matched_rule,
			secret_id, result, created_at
		from audit_log
		where tenant_id = $1 and idempotency_key = $2 and status = 'success'
		order by created_at desc
		limit 1
	`, tenantID, key).Scan(&e.ID, &e.TenantID, &e.UserID, &kind, &e.Target, &status, &code, &msg,
		&e.DurationMS, &e.RequestID, &idem, &policy, &rule, &secretID, &result, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, err
	}
	e.Kind = audit.Kind(kind)
	e.Status = audit.Status(status)
	e.ErrorCode, e.ErrorMessage = code.String, msg.String
	e.IdempotencyKey, e.PolicyResult, e.MatchedRule = idem.String, policy.String, rule.String
	e.SecretID = secretID.String
	e.Result = result
	return e, true, nil
}

// ClaimKey takes the (tenant, key) claim unless another request holds a claim
// newer than staleBefore.
func (s *Store) ClaimKey(ctx context.Context, tenantID, key, requestID string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into idempotency_claims (tenant_id, key, request_id, claimed_at)
		values ($1, $2, $3, $4)
		on conflict (tenant_id, key) do update
		set request_id = excluded.request_id, claimed_at = excluded.claimed_at
		where idempotency_claims.request_id = excluded.request_id
			or idempotency_claims.claimed_at < $5
	`, tenantID, key, requestID, now, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ReleaseKey(ctx context.Context, tenantID, key, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from idempotency_claims
		where tenant_id = $1 and key = $2 and request_id = $3
	`, tenantID, key, requestID)
	return err
}

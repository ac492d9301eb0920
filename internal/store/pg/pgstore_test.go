package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/ratelimit"
	"mcpgate.org/internal/resource"
	"mcpgate.org/internal/secrets"
)

// arrayConverter lets []string arguments through the way the pgx driver does.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

var ts = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRolesFor(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select distinct role").WithArgs("t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin").AddRow("member"))

	roles, err := s.RolesFor(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("RolesFor: %v", err)
	}
	if len(roles) != 2 || roles[0] != "admin" || roles[1] != "member" {
		t.Fatalf("unexpected roles: %v", roles)
	}
}

func TestListRecordsAppliesEveryFilter(t *testing.T) {
	s, mock := newMock(t)
	typ, _ := resource.Lookup("project")
	after := resource.Cursor{ID: "p1", CreatedAt: ts}

	mock.ExpectQuery(regexp.QuoteMeta(
		"from projects where tenant_id = $1 and (created_at, id) > ($2, $3) and company_id = any($4)"+
			" and (data->>'name' ilike $5 or data->>'title' ilike $5) order by created_at asc, id asc limit $6")).
		WithArgs("t1", ts, "p1", []string{"c1"}, `%50\%%`, 26).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "company_id", "data", "created_at", "updated_at"}).
			AddRow("p2", "t1", "c1", []byte(`{"name":"50% done"}`), ts.Add(time.Minute), ts.Add(time.Minute)))

	rows, err := s.ListRecords(context.Background(), resource.Query{
		Type: typ, TenantID: "t1", Search: "50%", OwnerIDs: []string{"c1"}, After: &after, Limit: 26,
	})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "p2" || rows[0].Attributes["name"] != "50% done" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestListRecordsGlobalCatalogSkipsTenant(t *testing.T) {
	s, mock := newMock(t)
	typ, _ := resource.Lookup("application")

	mock.ExpectQuery(regexp.QuoteMeta("from applications order by created_at asc, id asc limit $1")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "company_id", "data", "created_at", "updated_at"}))

	rows, err := s.ListRecords(context.Background(), resource.Query{Type: typ, TenantID: "t1", Limit: 10})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s, mock := newMock(t)
	typ, _ := resource.Lookup("task")
	mock.ExpectQuery("from tasks where id = \\$1 and tenant_id = \\$2").WithArgs("x", "t1").WillReturnError(sql.ErrNoRows)

	if _, err := s.GetRecord(context.Background(), typ, "t1", "x"); !errors.Is(err, resource.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRecordMergesData(t *testing.T) {
	s, mock := newMock(t)
	typ, _ := resource.Lookup("task")
	mock.ExpectQuery(regexp.QuoteMeta("update tasks set data = data || $1::jsonb, updated_at = $2 where id = $3 and tenant_id = $4")).
		WithArgs([]byte(`{"status":"done"}`), ts, "k1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "company_id", "data", "created_at", "updated_at"}).
			AddRow("k1", "t1", "c1", []byte(`{"title":"Pour","status":"done"}`), ts.Add(-time.Hour), ts))

	rec, err := s.UpdateRecord(context.Background(), typ, "t1", "k1", map[string]any{"status": "done"}, ts)
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if rec.Attributes["status"] != "done" || rec.Attributes["title"] != "Pour" {
		t.Fatalf("unexpected attributes: %v", rec.Attributes)
	}
}

func TestActivateSecretReplacesActive(t *testing.T) {
	s, mock := newMock(t)
	grace := ts.Add(secrets.GracePeriod)

	mock.ExpectBegin()
	mock.ExpectQuery("update mcp_secrets").WithArgs("t1", "n8n", ts, grace).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectExec("insert into mcp_secrets").
		WithArgs("s2", "t1", "n8n", "v1:sealed", ts, nil, "u1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	replaced, err := s.ActivateSecret(context.Background(), secrets.Secret{
		ID: "s2", TenantID: "t1", Provider: "n8n", Value: "v1:sealed", CreatedAt: ts, CreatedBy: "u1",
	}, grace)
	if err != nil {
		t.Fatalf("ActivateSecret: %v", err)
	}
	if replaced != "s1" {
		t.Fatalf("expected s1 replaced, got %q", replaced)
	}
}

func TestActivateSecretConflictRollsBack(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("update mcp_secrets").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("insert into mcp_secrets").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := s.ActivateSecret(context.Background(), secrets.Secret{ID: "s2", TenantID: "t1", Provider: "n8n", CreatedAt: ts}, ts)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDeactivateSecretNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("update mcp_secrets").WithArgs("t1", "nope", ts).WillReturnError(sql.ErrNoRows)

	if _, err := s.DeactivateSecret(context.Background(), "t1", "nope", ts); !errors.Is(err, secrets.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementRevealToken(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("update reveal_tokens").WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"uses_count"}).AddRow(1))
	mock.ExpectQuery("update reveal_tokens").WithArgs("h1").WillReturnError(sql.ErrNoRows)

	uses, ok, err := s.IncrementRevealToken(context.Background(), "h1")
	if err != nil || !ok || uses != 1 {
		t.Fatalf("first use: uses=%d ok=%v err=%v", uses, ok, err)
	}
	if _, ok, err := s.IncrementRevealToken(context.Background(), "h1"); err != nil || ok {
		t.Fatalf("second use should be refused: ok=%v err=%v", ok, err)
	}
}

func TestClaimKeyHeldByOther(t *testing.T) {
	s, mock := newMock(t)
	stale := ts.Add(-5 * time.Minute)
	mock.ExpectExec("insert into idempotency_claims").WithArgs("t1", "k1", "r2", ts, stale).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ClaimKey(context.Background(), "t1", "k1", "r2", ts, stale)
	if err != nil {
		t.Fatalf("ClaimKey: %v", err)
	}
	if ok {
		t.Fatalf("expected claim to be refused")
	}
}

func TestLatestSuccess(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "tenant_id", "user_id", "kind", "target", "status", "error_code", "error_message",
		"duration_ms", "request_id", "idempotency_key", "policy_result", "matched_rule", "secret_id", "result", "created_at"}
	mock.ExpectQuery("from audit_log").WithArgs("t1", "k1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("a1", "t1", "u1", "action", "create_project", "success", nil, nil,
			int64(4), "r1", "k1", "allowed", "member-actions", nil, []byte(`{"id":"p1"}`), ts))
	mock.ExpectQuery("from audit_log").WithArgs("t1", "k2").WillReturnError(sql.ErrNoRows)

	e, ok, err := s.LatestSuccess(context.Background(), "t1", "k1")
	if err != nil || !ok {
		t.Fatalf("LatestSuccess: ok=%v err=%v", ok, err)
	}
	if e.Kind != audit.KindAction || string(e.Result) != `{"id":"p1"}` || e.MatchedRule != "member-actions" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if _, ok, err := s.LatestSuccess(context.Background(), "t1", "k2"); err != nil || ok {
		t.Fatalf("expected miss: ok=%v err=%v", ok, err)
	}
}

func TestCurrentWindow(t *testing.T) {
	s, mock := newMock(t)
	key := ratelimit.Key{TenantID: "t1", UserID: "u1", Action: "mcp_secret.reveal"}
	since := ts.Add(-time.Minute)
	mock.ExpectQuery("from rate_limit_windows").WithArgs("t1", "u1", "mcp_secret.reveal", since).
		WillReturnRows(sqlmock.NewRows([]string{"window_start", "count"}).AddRow(ts, 3))

	w, ok, err := s.CurrentWindow(context.Background(), key, since)
	if err != nil || !ok {
		t.Fatalf("CurrentWindow: ok=%v err=%v", ok, err)
	}
	if w.Count != 3 || w.Key != key {
		t.Fatalf("unexpected window: %+v", w)
	}
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mcpgate.org/internal/resource"
)

// Resource tables share one layout: id, tenant_id, company_id, data jsonb,
// created_at, updated_at. Table names come from resource.Type, never from input.
const recordColumns = `id, coalesce(tenant_id, ''), coalesce(company_id, ''), data, created_at, updated_at`

func ownerColumn(field string) string {
	switch field {
	case resource.OwnerByID:
		return "id"
	case resource.OwnerByCompany:
		return "company_id"
	default:
		return ""
	}
}

func (s *Store) ListRecords(ctx context.Context, q resource.Query) ([]resource.Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Type.TenantScoped {
		where = append(where, "tenant_id = "+arg(q.TenantID))
	}
	if q.After != nil {
		where = append(where, fmt.Sprintf("(created_at, id) > (%s, %s)", arg(q.After.CreatedAt), arg(q.After.ID)))
	}
	if col := ownerColumn(q.Type.OwnerField); col != "" && q.OwnerIDs != nil {
		where = append(where, col+" = any("+arg(q.OwnerIDs)+")")
	}
	if q.Search != "" {
		p := arg("%" + escapeLike(q.Search) + "%")
		where = append(where, fmt.Sprintf("(data->>'name' ilike %s or data->>'title' ilike %s)", p, p))
	}

	query := "select " + recordColumns + " from " + q.Type.Table
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by created_at asc, id asc"
	if q.Limit > 0 {
		query += " limit " + arg(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []resource.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetRecord(ctx context.Context, t resource.Type, tenantID, id string) (resource.Record, error) {
	query := "select " + recordColumns + " from " + t.Table + " where id = $1"
	args := []any{id}
	if t.TenantScoped {
		query += " and tenant_id = $2"
		args = append(args, tenantID)
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return resource.Record{}, resource.ErrNotFound
	}
	return rec, err
}

func (s *Store) InsertRecord(ctx context.Context, t resource.Type, r resource.Record) error {
	data, err := marshalAttributes(r.Attributes)
	if err != nil {
		return err
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = r.CreatedAt
	}
	_, err = s.db.ExecContext(ctx, `
		insert into `+t.Table+` (id, tenant_id, company_id, data, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, r.ID, nullString(r.TenantID), nullString(r.CompanyID), data, r.CreatedAt, updated)
	return mapWriteError(err)
}

// UpdateRecord merges attrs into the row's data document.
func (s *Store) UpdateRecord(ctx context.Context, t resource.Type, tenantID, id string, attrs map[string]any, at time.Time) (resource.Record, error) {
	data, err := marshalAttributes(attrs)
	if err != nil {
		return resource.Record{}, err
	}
	query := `update ` + t.Table + ` set data = data || $1::jsonb, updated_at = $2 where id = $3`
	args := []any{data, at, id}
	if t.TenantScoped {
		query += ` and tenant_id = $4`
		args = append(args, tenantID)
	}
	query += ` returning ` + recordColumns
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return resource.Record{}, resource.ErrNotFound
	}
	return rec, err
}

func scanRecord(row interface{ Scan(...any) error }) (resource.Record, error) {
	var (
		rec resource.Record
		raw []byte
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.CompanyID, &raw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return resource.Record{}, err
	}
	rec.Attributes = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.Attributes); err != nil {
			return resource.Record{}, fmt.Errorf("decode data: %w", err)
		}
	}
	return rec, nil
}

func marshalAttributes(attrs map[string]any) ([]byte, error) {
	if len(attrs) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return data, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

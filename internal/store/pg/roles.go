package pg

import (
	"context"
)

func (s *Store) RolesFor(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct role
		from user_roles
		where tenant_id = $1 and user_id = $2
		order by role
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// SupplierCompanies returns the companies a supplier user is bound to.
func (s *Store) SupplierCompanies(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct company_id
		from supplier_users
		where user_id = $1
		order by company_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

type scanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanStrings(rows scanner) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

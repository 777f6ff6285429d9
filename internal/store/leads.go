package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"leadflow/internal/domain"
)

// GetLead reads a lead row. The engine never writes lead PII.
func (r *SQLite) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	var l domain.Lead
	var tags string
	err := r.db.QueryRowContext(ctx, `
SELECT id,tenant_id,first_name,last_name,company_name,phone,email,status,tags FROM leads WHERE id=?`, id).
		Scan(&l.ID, &l.TenantID, &l.FirstName, &l.LastName, &l.CompanyName, &l.Phone, &l.Email, &l.Status, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lead{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, err
	}
	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &l.Tags)
	}
	return l, nil
}

// PutLead writes a lead row on behalf of the owning lead store (imports, fixtures).
func (r *SQLite) PutLead(ctx context.Context, l domain.Lead) error {
	if l.Status == "" {
		l.Status = "active"
	}
	if l.Tags == nil {
		l.Tags = []string{}
	}
	tags, err := json.Marshal(l.Tags)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO leads (id,tenant_id,first_name,last_name,company_name,phone,email,status,tags)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, first_name=excluded.first_name, last_name=excluded.last_name,
  company_name=excluded.company_name, phone=excluded.phone, email=excluded.email, status=excluded.status, tags=excluded.tags`,
		l.ID, l.TenantID, l.FirstName, l.LastName, l.CompanyName, l.Phone, l.Email, l.Status, string(tags))
	return err
}

func (r *SQLite) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM suppressions WHERE phone=?`, phone).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLite) Suppress(ctx context.Context, phone, reason string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO suppressions (phone,reason,created_at) VALUES (?,?,?)
ON CONFLICT(phone) DO UPDATE SET reason=excluded.reason`, phone, reason, millis(time.Now()))
	return err
}

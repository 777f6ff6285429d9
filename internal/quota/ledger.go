// Package quota tracks per-tenant daily consumption against a daily cap.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"leadflow/internal/domain"
)

// Ledger counts consumption per (tenant, day). Counts only grow within a day;
// a new day is a new key.
type Ledger interface {
	Usage(ctx context.Context, tenantID, day string) (int, error)
	Increment(ctx context.Context, tenantID, day string, delta int) (int, error)
	// Reserve atomically adds n when usage+n stays within limit and returns the
	// new count, or ErrQuotaExceeded without changing anything.
	Reserve(ctx context.Context, tenantID, day string, n, limit int) (int, error)
}

// Day is the ledger key for t: the UTC calendar day in ISO form.
func Day(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Remaining is how much of limit is left given usage, never negative.
func Remaining(limit, usage int) int {
	if usage >= limit {
		return 0
	}
	return limit - usage
}

var errNegative = errors.New("quota delta must not be negative")

// SQLiteLedger keeps the ledger in the quota_ledger table. Each change is a
// single upsert statement, so concurrent writers never lose updates.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(db *sql.DB) *SQLiteLedger { return &SQLiteLedger{db: db} }

func (l *SQLiteLedger) Usage(ctx context.Context, tenantID, day string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT consumed FROM quota_ledger WHERE tenant_id=? AND day=?`, tenantID, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (l *SQLiteLedger) Increment(ctx context.Context, tenantID, day string, delta int) (int, error) {
	if delta < 0 {
		return 0, errNegative
	}
	var n int
	err := l.db.QueryRowContext(ctx, `
INSERT INTO quota_ledger (tenant_id,day,consumed) VALUES (?,?,?)
ON CONFLICT(tenant_id,day) DO UPDATE SET consumed = consumed + excluded.consumed
RETURNING consumed`, tenantID, day, delta).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment quota %s/%s: %w", tenantID, day, err)
	}
	return n, nil
}

func (l *SQLiteLedger) Reserve(ctx context.Context, tenantID, day string, n, limit int) (int, error) {
	if n < 0 {
		return 0, errNegative
	}
	if n > limit {
		return 0, domain.ErrQuotaExceeded
	}
	var total int
	err := l.db.QueryRowContext(ctx, `
INSERT INTO quota_ledger (tenant_id,day,consumed) VALUES (?,?,?)
ON CONFLICT(tenant_id,day) DO UPDATE SET consumed = consumed + excluded.consumed
WHERE quota_ledger.consumed + excluded.consumed <= ?
RETURNING consumed`, tenantID, day, n, limit).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrQuotaExceeded
	}
	if err != nil {
		return 0, fmt.Errorf("reserve quota %s/%s: %w", tenantID, day, err)
	}
	return total, nil
}

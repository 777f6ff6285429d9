package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"leadflow/internal/domain"
)

const sequenceColumns = `id,tenant_id,name,status,steps,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSequence(row rowScanner) (domain.Sequence, error) {
	var s domain.Sequence
	var steps []byte
	var created, updated int64
	if err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.Status, &steps, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Sequence{}, domain.ErrNotFound
		}
		return domain.Sequence{}, err
	}
	if err := json.Unmarshal(steps, &s.Steps); err != nil {
		return domain.Sequence{}, fmt.Errorf("decode steps of %s: %w", s.ID, err)
	}
	s.CreatedAt, s.UpdatedAt = fromMillis(created), fromMillis(updated)
	return s, nil
}

func (r *SQLite) GetSequence(ctx context.Context, id string) (domain.Sequence, error) {
	return scanSequence(r.db.QueryRowContext(ctx, `SELECT `+sequenceColumns+` FROM sequences WHERE id=?`, id))
}

func (r *SQLite) ListSequences(ctx context.Context, tenantID string) ([]domain.Sequence, error) {
	q := `SELECT ` + sequenceColumns + ` FROM sequences`
	var args []any
	if tenantID != "" {
		q += ` WHERE tenant_id=?`
		args = append(args, tenantID)
	}
	rows, err := r.db.QueryContext(ctx, q+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Sequence
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PutSequence inserts or replaces a sequence definition. While active enrollments
// reference it, steps may be edited or appended but never removed.
func (r *SQLite) PutSequence(ctx context.Context, s domain.Sequence) (domain.Sequence, error) {
	if s.ID == "" {
		s.ID = "seq_" + uuid.NewString()
	}
	if s.Status == "" {
		s.Status = domain.SequenceDraft
	}
	if err := domain.ValidateSequence(s); err != nil {
		return domain.Sequence{}, err
	}
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return domain.Sequence{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Sequence{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	existing, err := scanSequence(tx.QueryRowContext(ctx, `SELECT `+sequenceColumns+` FROM sequences WHERE id=?`, s.ID))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.CreatedAt = now
	case err != nil:
		return domain.Sequence{}, err
	default:
		if existing.TenantID != s.TenantID {
			return domain.Sequence{}, fmt.Errorf("%w: tenant cannot change", domain.ErrInvalidSequence)
		}
		if len(s.Steps) < len(existing.Steps) {
			var active int
			if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM enrollments WHERE sequence_id=? AND status='active'`, s.ID).Scan(&active); err != nil {
				return domain.Sequence{}, err
			}
			if active > 0 {
				return domain.Sequence{}, fmt.Errorf("%w: cannot remove steps while %d enrollments are active", domain.ErrInvalidSequence, active)
			}
		}
		s.CreatedAt = existing.CreatedAt
	}
	s.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
INSERT INTO sequences (id,tenant_id,name,status,steps,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, steps=excluded.steps, updated_at=excluded.updated_at
`, s.ID, s.TenantID, s.Name, s.Status, steps, millis(s.CreatedAt), millis(s.UpdatedAt))
	if err != nil {
		return domain.Sequence{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Sequence{}, err
	}
	return s, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"leadflow/internal/domain"
)

const enrollmentColumns = `id,sequence_id,lead_id,tenant_id,status,current_step,next_step_at,last_step_at,last_error,created_at,updated_at`

func scanEnrollment(row rowScanner) (domain.Enrollment, error) {
	var e domain.Enrollment
	var next, last sql.NullInt64
	var created, updated int64
	err := row.Scan(&e.ID, &e.SequenceID, &e.LeadID, &e.TenantID, &e.Status, &e.CurrentStep, &next, &last, &e.LastError, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Enrollment{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Enrollment{}, err
	}
	e.NextStepAt, e.LastStepAt = fromNullMillis(next), fromNullMillis(last)
	e.CreatedAt, e.UpdatedAt = fromMillis(created), fromMillis(updated)
	return e, nil
}

// CreateEnrollment inserts an active enrollment. If the lead already has an active
// enrollment in the sequence, its id is returned with created=false.
func (r *SQLite) CreateEnrollment(ctx context.Context, e domain.Enrollment) (string, bool, error) {
	if existing, err := r.ActiveEnrollment(ctx, e.SequenceID, e.LeadID); err == nil {
		return existing.ID, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", false, err
	}

	id := e.ID
	if id == "" {
		id = "enr_" + uuid.NewString()
	}
	now := e.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO enrollments (id,sequence_id,lead_id,tenant_id,status,current_step,next_step_at,last_step_at,last_error,created_at,updated_at)
VALUES (?,?,?,?,'active',0,?,NULL,'',?,?)
`, id, e.SequenceID, e.LeadID, e.TenantID, nullMillis(e.NextStepAt), millis(now), millis(now))
	if err != nil {
		// Lost a race against a concurrent enroll of the same lead.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			if existing, gerr := r.ActiveEnrollment(ctx, e.SequenceID, e.LeadID); gerr == nil {
				return existing.ID, false, nil
			}
		}
		return "", false, err
	}
	return id, true, nil
}

func (r *SQLite) GetEnrollment(ctx context.Context, id string) (domain.Enrollment, error) {
	return scanEnrollment(r.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id=?`, id))
}

func (r *SQLite) ActiveEnrollment(ctx context.Context, sequenceID, leadID string) (domain.Enrollment, error) {
	return scanEnrollment(r.db.QueryRowContext(ctx, `
SELECT `+enrollmentColumns+` FROM enrollments WHERE sequence_id=? AND lead_id=? AND status='active'`, sequenceID, leadID))
}

func (r *SQLite) ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+enrollmentColumns+`
FROM enrollments
WHERE status='active' AND next_step_at IS NOT NULL AND next_step_at <= ?
ORDER BY next_step_at ASC, created_at ASC
LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Advance is a compare-and-set update of an active enrollment after a step ran.
type Advance struct {
	ID           string
	ExpectedStep int
	NextStep     int
	NextStepAt   *time.Time
	LastStepAt   time.Time
	Status       string
	LastError    string
}

// AdvanceEnrollment applies a only if the enrollment is still active at the
// expected step. It reports false when another writer got there first.
func (r *SQLite) AdvanceEnrollment(ctx context.Context, a Advance) (bool, error) {
	if a.NextStep < a.ExpectedStep {
		return false, errors.New("step index cannot decrease")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE enrollments
SET current_step=?, next_step_at=?, last_step_at=?, status=?, last_error=?, updated_at=?
WHERE id=? AND status='active' AND current_step=?`,
		a.NextStep, nullMillis(a.NextStepAt), millis(a.LastStepAt), a.Status, a.LastError, millis(a.LastStepAt),
		a.ID, a.ExpectedStep)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLite) CancelEnrollment(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE enrollments SET status='cancelled', next_step_at=NULL, updated_at=? WHERE id=? AND status='active'`, millis(now), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLite) RecordSends(ctx context.Context, sends []domain.StepSend) error {
	if len(sends) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, s := range sends {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO step_sends (enrollment_id,sequence_id,lead_id,step_index,channel,status,provider_id,error,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
			s.EnrollmentID, s.SequenceID, s.LeadID, s.StepIndex, string(s.Channel), s.Status, s.ProviderID, s.Error, millis(s.CreatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLite) ListSends(ctx context.Context, enrollmentID string) ([]domain.StepSend, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT enrollment_id,sequence_id,lead_id,step_index,channel,status,provider_id,error,created_at
FROM step_sends WHERE enrollment_id=? ORDER BY id`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StepSend
	for rows.Next() {
		var s domain.StepSend
		var ch string
		var created int64
		if err := rows.Scan(&s.EnrollmentID, &s.SequenceID, &s.LeadID, &s.StepIndex, &ch, &s.Status, &s.ProviderID, &s.Error, &created); err != nil {
			return nil, err
		}
		s.Channel = domain.Channel(ch)
		s.CreatedAt = fromMillis(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

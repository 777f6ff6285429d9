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

const jobColumns = `id,tenant_id,type,status,total,processed,successful,failed,phones_found,emails_found,forwarded,last_error,config,results,scheduled_for,created_at,updated_at`

func scanJob(row rowScanner) (domain.BatchJob, error) {
	var j domain.BatchJob
	var cfg, results []byte
	var scheduled sql.NullInt64
	var created, updated int64
	err := row.Scan(&j.ID, &j.TenantID, &j.Type, &j.Status, &j.Total, &j.Processed, &j.Successful, &j.Failed,
		&j.PhonesFound, &j.EmailsFound, &j.Forwarded, &j.LastError, &cfg, &results, &scheduled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BatchJob{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BatchJob{}, err
	}
	if err := json.Unmarshal(cfg, &j.Config); err != nil {
		return domain.BatchJob{}, fmt.Errorf("decode config of %s: %w", j.ID, err)
	}
	if err := json.Unmarshal(results, &j.Results); err != nil {
		return domain.BatchJob{}, fmt.Errorf("decode results of %s: %w", j.ID, err)
	}
	j.ScheduledFor = fromNullMillis(scheduled)
	j.CreatedAt, j.UpdatedAt = fromMillis(created), fromMillis(updated)
	return j, nil
}

func encodeJob(j domain.BatchJob) (cfg, results []byte, err error) {
	if cfg, err = json.Marshal(j.Config); err != nil {
		return nil, nil, err
	}
	if j.Results == nil {
		j.Results = []domain.Result{}
	}
	if results, err = json.Marshal(j.Results); err != nil {
		return nil, nil, err
	}
	return cfg, results, nil
}

func (r *SQLite) InsertJob(ctx context.Context, j domain.BatchJob) error {
	if j.ID == "" {
		return errors.New("job id is required")
	}
	cfg, results, err := encodeJob(j)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO batch_jobs (id,tenant_id,type,status,total,processed,successful,failed,phones_found,emails_found,forwarded,last_error,config,results,scheduled_for,created_at,updated_at)
VALUES (?,?,?,'pending',?,0,0,0,0,0,0,'',?,?,?,?,?)
`, j.ID, j.TenantID, j.Type, j.Total, cfg, results, nullMillis(j.ScheduledFor), millis(j.CreatedAt), millis(j.CreatedAt))
	return err
}

// NewJobID returns a fresh batch job identifier.
func NewJobID() string { return "job_" + uuid.NewString() }

func (r *SQLite) GetJob(ctx context.Context, id string) (domain.BatchJob, error) {
	return scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id=?`, id))
}

// ClaimJob moves a pending job to processing. A job already processing yields
// ErrJobBusy; a terminal job is returned unchanged so the caller can report it.
func (r *SQLite) ClaimJob(ctx context.Context, id string, now time.Time) (domain.BatchJob, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE batch_jobs SET status='processing', updated_at=? WHERE id=? AND status='pending'`, millis(now), id)
	if err != nil {
		return domain.BatchJob{}, err
	}
	n, _ := res.RowsAffected()
	j, err := r.GetJob(ctx, id)
	if err != nil {
		return domain.BatchJob{}, err
	}
	if n == 0 && j.Status == domain.JobProcessing {
		return domain.BatchJob{}, domain.ErrJobBusy
	}
	return j, nil
}

// ReleaseJob hands a claimed job back untouched.
func (r *SQLite) ReleaseJob(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE batch_jobs SET status='pending', updated_at=? WHERE id=? AND status='processing'`, millis(now), id)
	return err
}

// SaveJobProgress persists counters, cursor and results of a claimed job and
// appends the batch run. It reports false, writing nothing, when the job left
// processing in the meantime (for example it was cancelled).
func (r *SQLite) SaveJobProgress(ctx context.Context, j domain.BatchJob, run domain.BatchRun) (bool, error) {
	cfg, results, err := encodeJob(j)
	if err != nil {
		return false, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE batch_jobs
SET status=?, total=?, processed=?, successful=?, failed=?, phones_found=?, emails_found=?, forwarded=?,
    last_error=?, config=?, results=?, updated_at=?
WHERE id=? AND status='processing'`,
		j.Status, j.Total, j.Processed, j.Successful, j.Failed, j.PhonesFound, j.EmailsFound, j.Forwarded,
		j.LastError, cfg, results, millis(j.UpdatedAt), j.ID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO batch_runs (job_id,batch_cursor,size,successful,failed,error,finished_at) VALUES (?,?,?,?,?,?,?)`,
		run.JobID, run.Cursor, run.Size, run.Successful, run.Failed, run.Error, millis(run.FinishedAt)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r *SQLite) CancelJob(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE batch_jobs SET status='cancelled', updated_at=? WHERE id=? AND status IN ('pending','processing')`, millis(now), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLite) ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]domain.BatchJob, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM batch_jobs
WHERE status='pending' AND (scheduled_for IS NULL OR scheduled_for <= ?)
ORDER BY created_at ASC
LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RecoverStaleJobs returns jobs stuck in processing longer than timeout to pending.
func (r *SQLite) RecoverStaleJobs(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE batch_jobs SET status='pending', updated_at=?
WHERE status='processing' AND updated_at < ?`, millis(now), millis(now.Add(-timeout)))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLite) ListBatchRuns(ctx context.Context, jobID string) ([]domain.BatchRun, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT job_id,batch_cursor,size,successful,failed,error,finished_at FROM batch_runs WHERE job_id=? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BatchRun
	for rows.Next() {
		var b domain.BatchRun
		var finished int64
		if err := rows.Scan(&b.JobID, &b.Cursor, &b.Size, &b.Successful, &b.Failed, &b.Error, &finished); err != nil {
			return nil, err
		}
		b.FinishedAt = fromMillis(finished)
		out = append(out, b)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"leadflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS sequences (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('draft','active','paused')) DEFAULT 'draft',
  steps BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sequences_tenant ON sequences(tenant_id, created_at);
CREATE TABLE IF NOT EXISTS enrollments (
  id TEXT PRIMARY KEY,
  sequence_id TEXT NOT NULL,
  lead_id TEXT NOT NULL,
  tenant_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('active','completed','cancelled')) DEFAULT 'active',
  current_step INTEGER NOT NULL DEFAULT 0,
  next_step_at INTEGER,
  last_step_at INTEGER,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_enrollments_due ON enrollments(status, next_step_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_active ON enrollments(sequence_id, lead_id) WHERE status='active';
CREATE TABLE IF NOT EXISTS step_sends (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  enrollment_id TEXT NOT NULL,
  sequence_id TEXT NOT NULL,
  lead_id TEXT NOT NULL,
  step_index INTEGER NOT NULL,
  channel TEXT NOT NULL,
  status TEXT NOT NULL,
  provider_id TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  FOREIGN KEY(enrollment_id) REFERENCES enrollments(id)
);
CREATE INDEX IF NOT EXISTS idx_step_sends_enrollment ON step_sends(enrollment_id, step_index);
CREATE TABLE IF NOT EXISTS batch_jobs (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','cancelled')) DEFAULT 'pending',
  total INTEGER NOT NULL DEFAULT 0,
  processed INTEGER NOT NULL DEFAULT 0,
  successful INTEGER NOT NULL DEFAULT 0,
  failed INTEGER NOT NULL DEFAULT 0,
  phones_found INTEGER NOT NULL DEFAULT 0,
  emails_found INTEGER NOT NULL DEFAULT 0,
  forwarded INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  config BLOB NOT NULL,
  results BLOB NOT NULL,
  scheduled_for INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  CHECK(processed = successful + failed),
  CHECK(processed <= total)
);
CREATE INDEX IF NOT EXISTS idx_batch_jobs_runnable ON batch_jobs(status, scheduled_for);
CREATE TABLE IF NOT EXISTS batch_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  batch_cursor INTEGER NOT NULL,
  size INTEGER NOT NULL,
  successful INTEGER NOT NULL DEFAULT 0,
  failed INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  finished_at INTEGER NOT NULL,
  FOREIGN KEY(job_id) REFERENCES batch_jobs(id)
);
CREATE TABLE IF NOT EXISTS quota_ledger (
  tenant_id TEXT NOT NULL,
  day TEXT NOT NULL,
  consumed INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY(tenant_id, day)
);
CREATE TABLE IF NOT EXISTS leads (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  first_name TEXT NOT NULL DEFAULT '',
  last_name TEXT NOT NULL DEFAULT '',
  company_name TEXT NOT NULL DEFAULT '',
  phone TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'active',
  tags TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS suppressions (
  phone TEXT PRIMARY KEY,
  reason TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Open opens the SQLite database at path and ensures the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

type SequenceRepository interface {
	GetSequence(ctx context.Context, id string) (domain.Sequence, error)
	ListSequences(ctx context.Context, tenantID string) ([]domain.Sequence, error)
	PutSequence(ctx context.Context, s domain.Sequence) (domain.Sequence, error)
}

type EnrollmentRepository interface {
	CreateEnrollment(ctx context.Context, e domain.Enrollment) (id string, created bool, err error)
	GetEnrollment(ctx context.Context, id string) (domain.Enrollment, error)
	ActiveEnrollment(ctx context.Context, sequenceID, leadID string) (domain.Enrollment, error)
	ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error)
	AdvanceEnrollment(ctx context.Context, a Advance) (bool, error)
	CancelEnrollment(ctx context.Context, id string, now time.Time) (bool, error)
	RecordSends(ctx context.Context, sends []domain.StepSend) error
	ListSends(ctx context.Context, enrollmentID string) ([]domain.StepSend, error)
}

type JobRepository interface {
	InsertJob(ctx context.Context, j domain.BatchJob) error
	GetJob(ctx context.Context, id string) (domain.BatchJob, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (domain.BatchJob, error)
	ReleaseJob(ctx context.Context, id string, now time.Time) error
	SaveJobProgress(ctx context.Context, j domain.BatchJob, run domain.BatchRun) (bool, error)
	CancelJob(ctx context.Context, id string, now time.Time) (bool, error)
	ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]domain.BatchJob, error)
	RecoverStaleJobs(ctx context.Context, now time.Time, timeout time.Duration) (int, error)
	ListBatchRuns(ctx context.Context, jobID string) ([]domain.BatchRun, error)
}

// SQLite implements every repository in this package on one database handle.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

// DB returns the underlying database connection.
func (r *SQLite) DB() *sql.DB { return r.db }

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

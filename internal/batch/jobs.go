package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"leadflow/internal/domain"
)

// JobSnapshot is the operator view of a job: counters, position and last error,
// without the id list or accumulated results.
type JobSnapshot struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Successful   int        `json:"successful"`
	Failed       int        `json:"failed"`
	PhonesFound  int        `json:"phones_found"`
	EmailsFound  int        `json:"emails_found"`
	Forwarded    int        `json:"forwarded"`
	Cursor       int        `json:"cursor"`
	BatchSize    int        `json:"batch_size"`
	TotalBatches int        `json:"total_batches"`
	Progress     float64    `json:"progress"`
	LastError    string     `json:"last_error,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func snapshot(j domain.BatchJob) JobSnapshot {
	s := JobSnapshot{
		ID:           j.ID,
		TenantID:     j.TenantID,
		Type:         j.Type,
		Status:       j.Status,
		Total:        j.Total,
		Processed:    j.Processed,
		Successful:   j.Successful,
		Failed:       j.Failed,
		PhonesFound:  j.PhonesFound,
		EmailsFound:  j.EmailsFound,
		Forwarded:    j.Forwarded,
		Cursor:       j.Config.Cursor,
		BatchSize:    j.Config.BatchSize,
		TotalBatches: j.Config.TotalBatches(),
		LastError:    j.LastError,
		ScheduledFor: j.ScheduledFor,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
	if j.Total > 0 {
		s.Progress = float64(j.Processed) / float64(j.Total)
	}
	return s
}

func (r *Runner) GetJobStatus(ctx context.Context, jobID string) (JobSnapshot, error) {
	j, err := r.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return JobSnapshot{}, err
	}
	return snapshot(j), nil
}

// Results returns one record per processed id, in processing order.
func (r *Runner) Results(ctx context.Context, jobID string) ([]domain.Result, error) {
	j, err := r.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return j.Results, nil
}

// Runs returns the audit log of batch ticks for a job.
func (r *Runner) Runs(ctx context.Context, jobID string) ([]domain.BatchRun, error) {
	if _, err := r.Jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return r.Jobs.ListBatchRuns(ctx, jobID)
}

// CancelJob flags a pending or processing job as cancelled. A batch already in
// flight finishes its I/O but its progress is discarded. Cancelling a finished
// job is a no-op.
func (r *Runner) CancelJob(ctx context.Context, jobID string) error {
	ok, err := r.Jobs.CancelJob(ctx, jobID, r.now())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := r.Jobs.GetJob(ctx, jobID); err != nil {
			return err
		}
		return nil
	}
	log.Info().Str("job_id", jobID).Msg("batch job cancelled")
	return nil
}

// RecoverStale returns jobs left in processing by a crashed runner to pending.
func (r *Runner) RecoverStale(ctx context.Context, timeout time.Duration) (int, error) {
	n, err := r.Jobs.RecoverStaleJobs(ctx, r.now(), timeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn().Int("count", n).Msg("recovered stale batch jobs")
	}
	return n, nil
}

func (r *Runner) ListRunnable(ctx context.Context, limit int) ([]JobSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	jobs, err := r.Jobs.ListRunnableJobs(ctx, r.now(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, snapshot(j))
	}
	return out, nil
}

// RunDue runs one batch of every runnable job, one job at a time. Jobs that
// are busy or out of quota are reported and skipped; other errors stop the tick.
func (r *Runner) RunDue(ctx context.Context, limit int) ([]BatchOutcome, error) {
	jobs, err := r.ListRunnable(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable jobs: %w", err)
	}
	out := make([]BatchOutcome, 0, len(jobs))
	for _, j := range jobs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		o, err := r.RunNextBatch(ctx, j.ID)
		switch {
		case errors.Is(err, domain.ErrJobBusy), errors.Is(err, domain.ErrQuotaExceeded):
			o.Error = err.Error()
		case err != nil:
			return out, fmt.Errorf("run job %s: %w", j.ID, err)
		}
		out = append(out, o)
	}
	return out, nil
}

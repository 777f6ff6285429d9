// Package batch runs quota-bounded bulk jobs one fixed-size batch at a time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"leadflow/internal/domain"
	"leadflow/internal/enrich"
	"leadflow/internal/metrics"
	"leadflow/internal/quota"
	"leadflow/internal/sequence"
	"leadflow/internal/store"
	"leadflow/internal/worker"
)

// saveTimeout bounds the writes that record a batch once its quota is spent.
const saveTimeout = 30 * time.Second

const (
	DefaultDailyCap  = 2000
	DefaultBatchSize = 250
	DefaultType      = "enrichment"
)

// Enroller feeds successfully enriched leads into a sequence.
type Enroller interface {
	EnrollLead(ctx context.Context, sequenceID, leadID, tenantID string, startAt *time.Time) (sequence.EnrollResult, error)
}

type Runner struct {
	Jobs     store.JobRepository
	Ledger   quota.Ledger
	Provider enrich.Provider
	Leads    sequence.LeadReader
	Enroller Enroller
	Pool     *worker.Pool
	Metrics  *metrics.Counters

	DailyCap         int
	DefaultBatchSize int
	// Timeout bounds one provider lookup, retries included.
	Timeout time.Duration
	Now     func() time.Time
}

var validate = validator.New()

// ErrInvalidJob reports job options that can never be accepted.
var ErrInvalidJob = errors.New("invalid job")

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) dailyCap() int {
	if r.DailyCap > 0 {
		return r.DailyCap
	}
	return DefaultDailyCap
}

func (r *Runner) batchSize(requested int) int {
	if requested > 0 {
		return requested
	}
	if r.DefaultBatchSize > 0 {
		return r.DefaultBatchSize
	}
	return DefaultBatchSize
}

type CreateOptions struct {
	TenantID          string     `json:"tenant_id" validate:"required"`
	Type              string     `json:"type"`
	IDs               []string   `json:"ids" validate:"required,min=1,dive,required"`
	BatchSize         int        `json:"batch_size" validate:"gte=0"`
	// DailyCapAware defaults to true; only an explicit false lets a job run
	// past the tenant's daily cap.
	DailyCapAware     *bool      `json:"daily_cap_aware,omitempty"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
	ForwardSequenceID string     `json:"forward_sequence_id,omitempty"`
}

func (o CreateOptions) capAware() bool {
	return o.DailyCapAware == nil || *o.DailyCapAware
}

type CreateResult struct {
	JobID         string `json:"job_id"`
	AcceptedCount int    `json:"accepted_count"`
	RejectedCount int    `json:"rejected_count"`
	DailyUsage    int    `json:"daily_usage"`
	DailyCap      int    `json:"daily_cap"`
}

// CreateJob snapshots the id list into a new pending job. A cap-aware job that
// is not scheduled for a later date only accepts as many ids as today's quota
// has left; the remainder is reported as rejected.
func (r *Runner) CreateJob(ctx context.Context, opts CreateOptions) (CreateResult, error) {
	if err := validate.Struct(opts); err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	now := r.now()
	limit := r.dailyCap()
	size := r.batchSize(opts.BatchSize)
	capAware := opts.capAware()
	if capAware && size > limit {
		return CreateResult{}, fmt.Errorf("%w: batch size %d exceeds daily cap %d", ErrInvalidJob, size, limit)
	}

	ids := dedupe(opts.IDs)
	usage, err := r.Ledger.Usage(ctx, opts.TenantID, quota.Day(now))
	if err != nil {
		return CreateResult{}, fmt.Errorf("read quota usage: %w", err)
	}
	res := CreateResult{DailyUsage: usage, DailyCap: limit}

	scheduled := opts.ScheduledFor != nil && opts.ScheduledFor.After(now)
	accepted := ids
	if capAware && !scheduled {
		remaining := quota.Remaining(limit, usage)
		if remaining == 0 {
			return res, fmt.Errorf("tenant %s used %d of %d today: %w", opts.TenantID, usage, limit, domain.ErrQuotaExceeded)
		}
		if len(accepted) > remaining {
			accepted = accepted[:remaining]
		}
	}

	jobType := opts.Type
	if jobType == "" {
		jobType = DefaultType
	}
	job := domain.BatchJob{
		ID:       store.NewJobID(),
		TenantID: opts.TenantID,
		Type:     jobType,
		Status:   domain.JobPending,
		Total:    len(accepted),
		Config: domain.JobConfig{
			IDs:               accepted,
			BatchSize:         size,
			DailyCapAware:     capAware,
			ForwardSequenceID: opts.ForwardSequenceID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.ScheduledFor != nil {
		at := opts.ScheduledFor.UTC()
		job.ScheduledFor = &at
	}
	if err := r.Jobs.InsertJob(ctx, job); err != nil {
		return res, fmt.Errorf("insert job: %w", err)
	}

	res.JobID = job.ID
	res.AcceptedCount = len(accepted)
	res.RejectedCount = len(opts.IDs) - len(accepted)
	log.Info().Str("job_id", job.ID).Str("tenant_id", job.TenantID).Int("accepted", res.AcceptedCount).
		Int("rejected", res.RejectedCount).Int("batch_size", size).Msg("batch job created")
	return res, nil
}

type BatchOutcome struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Batch       int    `json:"batch"`
	Processed   int    `json:"processed"`
	Successful  int    `json:"successful"`
	Failed      int    `json:"failed"`
	PhonesFound int    `json:"phones_found"`
	EmailsFound int    `json:"emails_found"`
	Forwarded   int    `json:"forwarded"`
	Deferred    bool   `json:"deferred,omitempty"`
	// Discarded is set when the job was cancelled while the batch ran.
	Discarded bool   `json:"discarded,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunNextBatch processes the slice at the job's cursor. Per-id failures,
// including a failed provider call, are recorded in the job; only quota and
// persistence failures are returned.
func (r *Runner) RunNextBatch(ctx context.Context, jobID string) (BatchOutcome, error) {
	now := r.now()
	job, err := r.Jobs.ClaimJob(ctx, jobID, now)
	if err != nil {
		return BatchOutcome{JobID: jobID}, err
	}
	out := BatchOutcome{JobID: job.ID, Status: job.Status, Batch: job.Config.Cursor}
	if job.Status != domain.JobProcessing {
		return out, nil
	}
	logger := log.With().Str("job_id", job.ID).Int("batch", job.Config.Cursor).Logger()

	if job.ScheduledFor != nil && now.Before(*job.ScheduledFor) {
		if err := r.Jobs.ReleaseJob(ctx, job.ID, now); err != nil {
			return out, err
		}
		out.Status, out.Deferred = domain.JobPending, true
		return out, nil
	}

	ids := job.Config.Batch()
	if len(ids) == 0 {
		job.Status, job.UpdatedAt = domain.JobCompleted, now
		ok, err := r.Jobs.SaveJobProgress(ctx, job, domain.BatchRun{JobID: job.ID, Cursor: job.Config.Cursor, FinishedAt: now})
		if err != nil {
			return out, fmt.Errorf("complete job: %w", err)
		}
		if ok {
			out.Status = domain.JobCompleted
		} else {
			out.Status, out.Discarded = domain.JobCancelled, true
		}
		return out, nil
	}

	if err := r.consumeQuota(ctx, job, len(ids), now); err != nil {
		if rerr := r.Jobs.ReleaseJob(context.WithoutCancel(ctx), job.ID, now); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to release job")
		}
		out.Status, out.Error = domain.JobPending, err.Error()
		return out, err
	}

	// The slice is paid for: from here on it is recorded and the cursor moves
	// even if ctx ends, so it is never looked up or billed a second time.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	results, providerErr := r.lookup(ctx, ids)
	if providerErr != nil {
		logger.Warn().Err(providerErr).Int("ids", len(ids)).Msg("provider call failed, batch recorded as failed")
	}

	batchNo := job.Config.Cursor
	records := make([]domain.Result, len(ids))
	for i, id := range ids {
		rec := domain.Result{ID: id, Batch: batchNo}
		switch {
		case providerErr != nil:
			rec.Error = providerErr.Error()
		case results[i].Success():
			res := results[i]
			rec.Success = true
			rec.Phone, rec.Email, rec.Company = res.BestPhone(), res.FirstEmail(), res.Company
			rec.Phones = res.PhoneNumbers()
			if rec.Phone != "" {
				out.PhonesFound++
			}
			if rec.Email != "" {
				out.EmailsFound++
			}
		case results[i].Error != "":
			rec.Error = results[i].Error
		default:
			rec.Error = "no contact data found"
		}
		if rec.Success {
			out.Successful++
		} else {
			out.Failed++
			job.LastError = rec.Error
		}
		records[i] = rec
	}
	out.Processed = len(ids)

	if job.Config.ForwardSequenceID != "" && out.Successful > 0 {
		out.Forwarded = r.forward(saveCtx, logger, job, records)
	}

	job.Config.Cursor++
	job.Processed += out.Processed
	job.Successful += out.Successful
	job.Failed += out.Failed
	job.PhonesFound += out.PhonesFound
	job.EmailsFound += out.EmailsFound
	job.Forwarded += out.Forwarded
	job.Results = append(job.Results, records...)
	job.Status = domain.JobPending
	if job.Config.Exhausted() {
		job.Status = domain.JobCompleted
	}
	job.UpdatedAt = r.now()

	run := domain.BatchRun{JobID: job.ID, Cursor: batchNo, Size: len(ids), Successful: out.Successful, Failed: out.Failed, FinishedAt: job.UpdatedAt}
	if providerErr != nil {
		run.Error = providerErr.Error()
		out.Error = providerErr.Error()
	}
	ok, err := r.Jobs.SaveJobProgress(saveCtx, job, run)
	if err != nil {
		return out, fmt.Errorf("save job progress: %w", err)
	}
	r.Metrics.ObserveBatch(out.Processed, out.Failed)
	if !ok {
		logger.Warn().Msg("job left processing during batch, progress discarded")
		out.Status, out.Discarded = domain.JobCancelled, true
		return out, nil
	}
	out.Status = job.Status
	logger.Info().Int("processed", out.Processed).Int("successful", out.Successful).Int("failed", out.Failed).
		Int("forwarded", out.Forwarded).Str("status", out.Status).Msg("batch finished")
	return out, nil
}

// consumeQuota charges n units to today's ledger entry. Cap-aware jobs reserve
// atomically so concurrent jobs of one tenant cannot overrun the cap together.
func (r *Runner) consumeQuota(ctx context.Context, job domain.BatchJob, n int, now time.Time) error {
	day := quota.Day(now)
	if job.Config.DailyCapAware {
		if _, err := r.Ledger.Reserve(ctx, job.TenantID, day, n, r.dailyCap()); err != nil {
			return fmt.Errorf("reserve %d for tenant %s: %w", n, job.TenantID, err)
		}
		return nil
	}
	if _, err := r.Ledger.Increment(ctx, job.TenantID, day, n); err != nil {
		return fmt.Errorf("increment usage for tenant %s: %w", job.TenantID, err)
	}
	return nil
}

// lookup loads the leads behind ids and asks the provider about them. Any
// error, including a result count that does not match, fails the whole slice.
func (r *Runner) lookup(ctx context.Context, ids []string) ([]enrich.Result, error) {
	if r.Provider == nil {
		return nil, fmt.Errorf("%w: no enrichment provider", domain.ErrConfiguration)
	}
	records := make([]enrich.Record, len(ids))
	r.pool().Each(ctx, len(ids), func(ctx context.Context, i int) {
		records[i] = enrich.Record{LeadID: ids[i]}
		if r.Leads == nil {
			return
		}
		l, err := r.Leads.GetLead(ctx, ids[i])
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				log.Warn().Err(err).Str("lead_id", ids[i]).Msg("failed to load lead for lookup")
			}
			return
		}
		records[i] = enrich.RecordFor(ids[i], &l)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lookupCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	results, err := r.Provider.Lookup(lookupCtx, records)
	if err != nil {
		return nil, err
	}
	if len(results) != len(ids) {
		return nil, fmt.Errorf("provider returned %d results for %d ids", len(results), len(ids))
	}
	return results, nil
}

// forward enrolls each successful lead at most once. It returns how many new
// enrollments were created.
func (r *Runner) forward(ctx context.Context, logger zerolog.Logger, job domain.BatchJob, records []domain.Result) int {
	if r.Enroller == nil {
		logger.Warn().Msg("forwarding configured but no enroller wired")
		return 0
	}
	seen := make(map[string]bool, len(records))
	forwarded := 0
	for i := range records {
		rec := &records[i]
		if !rec.Success || seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		res, err := r.Enroller.EnrollLead(ctx, job.Config.ForwardSequenceID, rec.ID, job.TenantID, nil)
		if err != nil {
			logger.Warn().Err(err).Str("lead_id", rec.ID).Msg("failed to forward lead")
			rec.Error = "forward: " + err.Error()
			continue
		}
		if res.Created {
			forwarded++
		}
	}
	return forwarded
}

func (r *Runner) pool() *worker.Pool {
	if r.Pool != nil {
		return r.Pool
	}
	return worker.NewPool(1)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

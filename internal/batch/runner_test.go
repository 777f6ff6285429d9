package batch_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/internal/batch"
	"leadflow/internal/domain"
	"leadflow/internal/enrich"
	"leadflow/internal/metrics"
	"leadflow/internal/quota"
	"leadflow/internal/sequence"
	"leadflow/internal/store"
	"leadflow/internal/worker"
)

type providerFunc func(ctx context.Context, records []enrich.Record) ([]enrich.Result, error)

func (f providerFunc) Lookup(ctx context.Context, records []enrich.Record) ([]enrich.Result, error) {
	return f(ctx, records)
}

// emailsForAll finds an email for every id except those starting with "miss".
var emailsForAll = providerFunc(func(ctx context.Context, records []enrich.Record) ([]enrich.Result, error) {
	out := make([]enrich.Result, len(records))
	for i, r := range records {
		out[i] = enrich.Result{LeadID: r.LeadID}
		if !strings.HasPrefix(r.LeadID, "miss") {
			out[i].Found = true
			out[i].Emails = []string{r.LeadID + "@example.com"}
		}
	}
	return out, nil
})

type fakeEnroller struct {
	mu    sync.Mutex
	calls []string
	seen  map[string]bool
}

func (f *fakeEnroller) EnrollLead(ctx context.Context, sequenceID, leadID, tenantID string, startAt *time.Time) (sequence.EnrollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	f.calls = append(f.calls, sequenceID+"/"+leadID)
	created := !f.seen[leadID]
	f.seen[leadID] = true
	return sequence.EnrollResult{EnrollmentID: "enr_" + leadID, Created: created}, nil
}

var today = time.Date(2026, 4, 14, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.SQLite
	ledger *quota.SQLiteLedger
	runner *batch.Runner
	now    time.Time
}

func newFixture(t *testing.T, p enrich.Provider) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "leadflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{store: store.NewSQLite(db), ledger: quota.NewSQLiteLedger(db), now: today}
	f.runner = &batch.Runner{
		Jobs:     f.store,
		Ledger:   f.ledger,
		Provider: p,
		Leads:    f.store,
		Pool:     worker.NewPool(8),
		DailyCap: 2000,
		Timeout:  time.Second,
		Now:      func() time.Time { return f.now },
	}
	return f
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%04d", prefix, i)
	}
	return out
}

func assertCounters(t *testing.T, s batch.JobSnapshot) {
	t.Helper()
	assert.Equal(t, s.Processed, s.Successful+s.Failed)
	assert.LessOrEqual(t, s.Processed, s.Total)
	assert.LessOrEqual(t, s.Cursor*s.BatchSize, s.Total+s.BatchSize)
}

func TestSevenHundredIdsTakeThreeBatches(t *testing.T) {
	f := newFixture(t, emailsForAll)
	ctx := context.Background()

	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 700), BatchSize: 250})
	require.NoError(t, err)
	assert.Equal(t, 700, created.AcceptedCount)

	want := []struct {
		processed int
		status    string
	}{{250, domain.JobPending}, {250, domain.JobPending}, {200, domain.JobCompleted}}
	for i, w := range want {
		out, err := f.runner.RunNextBatch(ctx, created.JobID)
		require.NoError(t, err)
		assert.Equal(t, i, out.Batch)
		assert.Equal(t, w.processed, out.Processed)
		assert.Equal(t, w.status, out.Status)

		snap, err := f.runner.GetJobStatus(ctx, created.JobID)
		require.NoError(t, err)
		assertCounters(t, snap)
	}

	out, err := f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, out.Status)
	assert.Zero(t, out.Processed)

	snap, err := f.runner.GetJobStatus(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 700, snap.Processed)
	assert.Equal(t, 700, snap.EmailsFound)
	assert.Equal(t, 3, snap.TotalBatches)
	assert.InDelta(t, 1.0, snap.Progress, 0.0001)

	results, err := f.runner.Results(ctx, created.JobID)
	require.NoError(t, err)
	require.Len(t, results, 700)
	assert.Equal(t, 2, results[699].Batch)

	runs, err := f.runner.Runs(ctx, created.JobID)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	usage, err := f.ledger.Usage(ctx, "t1", quota.Day(today))
	require.NoError(t, err)
	assert.Equal(t, 700, usage)
}

func TestCreateJobClampsToRemainingQuota(t *testing.T) {
	f := newFixture(t, emailsForAll)
	ctx := context.Background()
	_, err := f.ledger.Increment(ctx, "t1", quota.Day(today), 1900)
	require.NoError(t, err)

	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 500)})
	require.NoError(t, err)
	assert.Equal(t, 100, created.AcceptedCount)
	assert.Equal(t, 400, created.RejectedCount)
	assert.Equal(t, 1900, created.DailyUsage)

	snap, err := f.runner.GetJobStatus(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 100, snap.Total)
	assert.Equal(t, batch.DefaultBatchSize, snap.BatchSize)

	out, err := f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, out.Status)

	_, err = f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("more", 10)})
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestScheduledJobAcceptsEverythingAndDefers(t *testing.T) {
	f := newFixture(t, emailsForAll)
	ctx := context.Background()
	_, err := f.ledger.Increment(ctx, "t1", quota.Day(today), 1900)
	require.NoError(t, err)

	tomorrow := today.Add(24 * time.Hour)
	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 500), ScheduledFor: &tomorrow})
	require.NoError(t, err)
	assert.Equal(t, 500, created.AcceptedCount)

	out, err := f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.True(t, out.Deferred)

	runnable, err := f.runner.ListRunnable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runnable)

	f.now = tomorrow
	runnable, err = f.runner.ListRunnable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runnable, 1)

	out, err = f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 250, out.Successful)
}

func TestProviderFailureFailsWholeSliceAndAdvances(t *testing.T) {
	calls := 0
	f := newFixture(t, providerFunc(func(ctx context.Context, records []enrich.Record) ([]enrich.Result, error) {
		calls++
		if calls == 1 {
			return nil, &domain.TransportError{Op: "lookup", Err: errors.New("HTTP 502")}
		}
		return emailsForAll(ctx, records)
	}))
	ctx := context.Background()

	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 20), BatchSize: 10})
	require.NoError(t, err)

	out, err := f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Failed)
	assert.Contains(t, out.Error, "HTTP 502")

	snap, err := f.runner.GetJobStatus(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Cursor)
	assert.Contains(t, snap.LastError, "HTTP 502")
	assertCounters(t, snap)

	out, err = f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Successful)
	assert.Equal(t, domain.JobCompleted, out.Status)

	results, err := f.runner.Results(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, "lead0000", results[0].ID)
	assert.False(t, results[0].Success)
	assert.True(t, results[10].Success)
}

func TestShortProviderResponseFailsSlice(t *testing.T) {
	f := newFixture(t, providerFunc(func(ctx context.Context, records []enrich.Record) ([]enrich.Result, error) {
		return []enrich.Result{{Found: true, Emails: []string{"x@y.z"}}}, nil
	}))
	ctx := context.Background()
	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 3)})
	require.NoError(t, err)

	out, err := f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Failed)
	assert.Zero(t, out.Successful)
}

func TestForwardingPrefersMobileAndEnrollsOnce(t *testing.T) {
	f := newFixture(t, providerFunc(func(ctx context.Context, records []enrich.Record) ([]enrich.Result, error) {
		out := make([]enrich.Result, len(records))
		for i, r := range records {
			out[i] = enrich.Result{LeadID: r.LeadID}
			if r.LeadID == "miss" {
				continue
			}
			out[i].Found = true
			out[i].Phones = []enrich.Phone{{Number: "+1000" + r.LeadID, Type: "landline"}, {Number: "+1999" + r.LeadID, Type: "mobile"}}
		}
		return out, nil
	}))
	enroller := &fakeEnroller{}
	f.runner.Enroller = enroller
	ctx := context.Background()
	require.NoError(t, f.store.PutLead(ctx, domain.Lead{ID: "a", TenantID: "t1", FirstName: "Ada"}))

	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{
		TenantID: "t1", IDs: []string{"a", "b", "a", "miss"}, ForwardSequenceID: "seq_1",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, created.AcceptedCount)

	out, err := f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Forwarded)
	assert.Equal(t, 2, out.PhonesFound)
	assert.Equal(t, []string{"seq_1/a", "seq_1/b"}, enroller.calls)

	results, err := f.runner.Results(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, "+1999a", results[0].Phone)
	assert.Len(t, results[0].Phones, 2)
	assert.False(t, results[2].Success)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	f := newFixture(t, emailsForAll)
	ctx := context.Background()
	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 5)})
	require.NoError(t, err)

	_, err = f.store.ClaimJob(ctx, created.JobID, today)
	require.NoError(t, err)

	_, err = f.runner.RunNextBatch(ctx, created.JobID)
	assert.ErrorIs(t, err, domain.ErrJobBusy)

	n, err := f.runner.RecoverStale(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out, err := f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Processed)
}

func TestRunStopsWhenQuotaIsSpent(t *testing.T) {
	f := newFixture(t, emailsForAll)
	ctx := context.Background()
	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 300), BatchSize: 250})
	require.NoError(t, err)

	_, err = f.ledger.Increment(ctx, "t1", quota.Day(today), 1800)
	require.NoError(t, err)

	_, err = f.runner.RunNextBatch(ctx, created.JobID)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	snap, err := f.runner.GetJobStatus(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, snap.Status)
	assert.Zero(t, snap.Processed)

	usage, err := f.ledger.Usage(ctx, "t1", quota.Day(today))
	require.NoError(t, err)
	assert.Equal(t, 1800, usage)

	f.now = today.Add(24 * time.Hour)
	out, err := f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 250, out.Processed)
}

func TestCancelDuringBatchDiscardsProgress(t *testing.T) {
	var f *fixture
	var jobID string
	f = newFixture(t, providerFunc(func(ctx context.Context, records []enrich.Record) ([]enrich.Result, error) {
		require.NoError(t, f.runner.CancelJob(ctx, jobID))
		return emailsForAll(ctx, records)
	}))
	ctx := context.Background()
	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 5)})
	require.NoError(t, err)
	jobID = created.JobID

	out, err := f.runner.RunNextBatch(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, out.Discarded)

	snap, err := f.runner.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, snap.Status)
	assert.Zero(t, snap.Processed)

	out, err = f.runner.RunNextBatch(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, out.Status)
	assert.Zero(t, out.Processed)

	require.NoError(t, f.runner.CancelJob(ctx, jobID))
	assert.ErrorIs(t, f.runner.CancelJob(ctx, "job_missing"), domain.ErrNotFound)
}

func TestRunDueSkipsBusyJobs(t *testing.T) {
	f := newFixture(t, emailsForAll)
	ctx := context.Background()
	a, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("a", 3)})
	require.NoError(t, err)
	f.now = today.Add(time.Second)
	_, err = f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t2", IDs: ids("b", 4)})
	require.NoError(t, err)

	outs, err := f.runner.RunDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, a.JobID, outs[0].JobID)
	assert.Equal(t, 4, outs[1].Processed)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, emailsForAll)
	ctx := context.Background()

	_, err := f.runner.CreateJob(ctx, batch.CreateOptions{IDs: ids("a", 1)})
	assert.ErrorIs(t, err, batch.ErrInvalidJob)
	_, err = f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1"})
	assert.ErrorIs(t, err, batch.ErrInvalidJob)
	_, err = f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: []string{"a", ""}})
	assert.ErrorIs(t, err, batch.ErrInvalidJob)
	_, err = f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("a", 1), BatchSize: 5000})
	assert.ErrorIs(t, err, batch.ErrInvalidJob)
}

func TestPaidSliceIsSavedWhenRunIsCancelled(t *testing.T) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, providerFunc(func(ctx context.Context, records []enrich.Record) ([]enrich.Result, error) {
		cancel()
		return emailsForAll(ctx, records)
	}))
	f.runner.Metrics = &metrics.Counters{}
	ctx := context.Background()
	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 20), BatchSize: 10})
	require.NoError(t, err)

	out, err := f.runner.RunNextBatch(runCtx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, out.Status)
	assert.Equal(t, 10, out.Processed)
	assert.Equal(t, 10, out.Successful)

	snap, err := f.runner.GetJobStatus(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Cursor)
	assert.Equal(t, domain.JobPending, snap.Status)
	assertCounters(t, snap)

	usage, err := f.ledger.Usage(ctx, "t1", quota.Day(today))
	require.NoError(t, err)
	assert.Equal(t, 10, usage)

	f.runner.Provider = emailsForAll
	out, err = f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, out.Status)
	assert.Equal(t, 10, out.Successful)

	results, err := f.runner.Results(ctx, created.JobID)
	require.NoError(t, err)
	require.Len(t, results, 20)
	assert.Equal(t, "lead0010", results[10].ID)

	usage, err = f.ledger.Usage(ctx, "t1", quota.Day(today))
	require.NoError(t, err)
	assert.Equal(t, 20, usage)
	assert.EqualValues(t, 2, f.runner.Metrics.BatchesRun.Load())
	assert.EqualValues(t, 20, f.runner.Metrics.ItemsProcessed.Load())
	assert.Zero(t, f.runner.Metrics.ItemsFailed.Load())
}

func TestDefaultJobNeverOverrunsCap(t *testing.T) {
	f := newFixture(t, emailsForAll)
	ctx := context.Background()
	_, err := f.ledger.Increment(ctx, "t1", quota.Day(today), 1900)
	require.NoError(t, err)

	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 500), BatchSize: 50})
	require.NoError(t, err)
	assert.Equal(t, 100, created.AcceptedCount)

	outs, err := f.runner.RunDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	_, err = f.runner.RunNextBatch(ctx, created.JobID)
	require.NoError(t, err)

	usage, err := f.ledger.Usage(ctx, "t1", quota.Day(today))
	require.NoError(t, err)
	assert.Equal(t, 2000, usage)
}

func TestUncappedJobOptsOut(t *testing.T) {
	f := newFixture(t, emailsForAll)
	ctx := context.Background()
	_, err := f.ledger.Increment(ctx, "t1", quota.Day(today), 1900)
	require.NoError(t, err)

	uncapped := false
	created, err := f.runner.CreateJob(ctx, batch.CreateOptions{TenantID: "t1", IDs: ids("lead", 500), DailyCapAware: &uncapped})
	require.NoError(t, err)
	assert.Equal(t, 500, created.AcceptedCount)

	for i := 0; i < 2; i++ {
		_, err = f.runner.RunNextBatch(ctx, created.JobID)
		require.NoError(t, err)
	}
	usage, err := f.ledger.Usage(ctx, "t1", quota.Day(today))
	require.NoError(t, err)
	assert.Equal(t, 2400, usage)
}

package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/internal/domain"
	"leadflow/internal/store"
)

func newStore(t *testing.T) *store.SQLite {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "leadflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewSQLite(db)
}

func twoStepSequence() domain.Sequence {
	return domain.Sequence{
		TenantID: "t1",
		Name:     "intro",
		Status:   domain.SequenceActive,
		Steps: []domain.SequenceStep{
			{Order: 0, SMS: &domain.SMSContent{Enabled: true, Template: "hi {{firstName}}"}},
			{Order: 1, DelayDays: 2, Email: &domain.EmailContent{Enabled: true, Subject: "hello", Template: "body"}},
		},
	}
}

func TestPutSequenceRoundTrip(t *testing.T) {
	r := newStore(t)
	ctx := context.Background()

	s, err := r.PutSequence(ctx, twoStepSequence())
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, err := r.GetSequence(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "intro", got.Name)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "hello", got.Steps[1].Email.Subject)
	assert.Nil(t, got.Steps[1].SMS)

	list, err := r.ListSequences(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = r.GetSequence(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPutSequenceRejectsEmailWithoutSubject(t *testing.T) {
	r := newStore(t)
	s := twoStepSequence()
	s.Steps[1].Email.Subject = ""
	_, err := r.PutSequence(context.Background(), s)
	assert.ErrorIs(t, err, domain.ErrInvalidSequence)
}

func TestPutSequenceCannotDropStepsWithActiveEnrollments(t *testing.T) {
	r := newStore(t)
	ctx := context.Background()
	s, err := r.PutSequence(ctx, twoStepSequence())
	require.NoError(t, err)
	now := time.Now()
	_, _, err = r.CreateEnrollment(ctx, domain.Enrollment{SequenceID: s.ID, LeadID: "l1", TenantID: "t1", NextStepAt: &now})
	require.NoError(t, err)

	s.Steps = s.Steps[:1]
	_, err = r.PutSequence(ctx, s)
	assert.ErrorIs(t, err, domain.ErrInvalidSequence)
}

func TestCreateEnrollmentIsIdempotentWhileActive(t *testing.T) {
	r := newStore(t)
	ctx := context.Background()
	now := time.Now()

	id1, created, err := r.CreateEnrollment(ctx, domain.Enrollment{SequenceID: "s1", LeadID: "l1", TenantID: "t1", NextStepAt: &now})
	require.NoError(t, err)
	assert.True(t, created)
	id2, created, err := r.CreateEnrollment(ctx, domain.Enrollment{SequenceID: "s1", LeadID: "l1", TenantID: "t1", NextStepAt: &now})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	ok, err := r.CancelEnrollment(ctx, id1, now)
	require.NoError(t, err)
	assert.True(t, ok)

	id3, created, err := r.CreateEnrollment(ctx, domain.Enrollment{SequenceID: "s1", LeadID: "l1", TenantID: "t1", NextStepAt: &now})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id1, id3)
}

func TestAdvanceEnrollmentCompareAndSet(t *testing.T) {
	r := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	id, _, err := r.CreateEnrollment(ctx, domain.Enrollment{SequenceID: "s1", LeadID: "l1", TenantID: "t1", NextStepAt: &now})
	require.NoError(t, err)

	due, err := r.ListDueEnrollments(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	next := now.Add(48 * time.Hour)
	ok, err := r.AdvanceEnrollment(ctx, store.Advance{ID: id, ExpectedStep: 0, NextStep: 1, NextStepAt: &next, LastStepAt: now, Status: domain.EnrollmentActive})
	require.NoError(t, err)
	assert.True(t, ok)

	// stale writer at the old step loses
	ok, err = r.AdvanceEnrollment(ctx, store.Advance{ID: id, ExpectedStep: 0, NextStep: 1, LastStepAt: now, Status: domain.EnrollmentActive})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.AdvanceEnrollment(ctx, store.Advance{ID: id, ExpectedStep: 1, NextStep: 0, LastStepAt: now, Status: domain.EnrollmentActive})
	assert.Error(t, err)

	e, err := r.GetEnrollment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CurrentStep)
	require.NotNil(t, e.NextStepAt)
	assert.True(t, next.Equal(*e.NextStepAt))

	due, err = r.ListDueEnrollments(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestJobClaimIsExclusive(t *testing.T) {
	r := newStore(t)
	ctx := context.Background()
	now := time.Now()
	j := domain.BatchJob{ID: store.NewJobID(), TenantID: "t1", Type: "skip_trace", Total: 2,
		Config: domain.JobConfig{IDs: []string{"a", "b"}, BatchSize: 1}, CreatedAt: now}
	require.NoError(t, r.InsertJob(ctx, j))

	claimed, err := r.ClaimJob(ctx, j.ID, now)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, claimed.Status)

	_, err = r.ClaimJob(ctx, j.ID, now)
	assert.ErrorIs(t, err, domain.ErrJobBusy)

	require.NoError(t, r.ReleaseJob(ctx, j.ID, now))
	_, err = r.ClaimJob(ctx, j.ID, now)
	require.NoError(t, err)

	ok, err := r.CancelJob(ctx, j.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	claimed.Processed, claimed.Successful = 1, 1
	saved, err := r.SaveJobProgress(ctx, claimed, domain.BatchRun{JobID: j.ID, Size: 1, FinishedAt: now})
	require.NoError(t, err)
	assert.False(t, saved, "progress of a cancelled job is discarded")

	got, err := r.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)
	assert.Zero(t, got.Processed)
}

func TestRecoverStaleJobs(t *testing.T) {
	r := newStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)
	j := domain.BatchJob{ID: store.NewJobID(), TenantID: "t1", Type: "skip_trace", Total: 1,
		Config: domain.JobConfig{IDs: []string{"a"}, BatchSize: 1}, CreatedAt: start}
	require.NoError(t, r.InsertJob(ctx, j))
	_, err := r.ClaimJob(ctx, j.ID, start)
	require.NoError(t, err)

	n, err := r.RecoverStaleJobs(ctx, time.Now(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runnable, err := r.ListRunnableJobs(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, runnable, 1)
}

func TestLeadsAndSuppressions(t *testing.T) {
	r := newStore(t)
	ctx := context.Background()
	require.NoError(t, r.PutLead(ctx, domain.Lead{ID: "l1", TenantID: "t1", FirstName: "Ada", Tags: []string{"responded"}}))

	l, err := r.GetLead(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, "active", l.Status)
	assert.True(t, l.HasTag("responded"))

	_, err = r.GetLead(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	out, err := r.IsOptedOut(ctx, "+15550001")
	require.NoError(t, err)
	assert.False(t, out)
	require.NoError(t, r.Suppress(ctx, "+15550001", "STOP"))
	out, err = r.IsOptedOut(ctx, "+15550001")
	require.NoError(t, err)
	assert.True(t, out)
}

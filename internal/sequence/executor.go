// Package sequence advances enrolled leads through multi-step, multi-channel
// outreach sequences.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"leadflow/internal/channel"
	"leadflow/internal/domain"
	"leadflow/internal/metrics"
	"leadflow/internal/render"
	"leadflow/internal/store"
	"leadflow/internal/worker"
)

// LeadReader gives read-only access to the lead store.
type LeadReader interface {
	GetLead(ctx context.Context, id string) (domain.Lead, error)
}

// Sender delivers one rendered message; channel.Dispatcher is the production one.
type Sender interface {
	Send(ctx context.Context, m channel.Message) channel.Outcome
}

// persistTimeout bounds the state writes that follow a send. They run
// detached from the pass context so a send that went out is always recorded.
const persistTimeout = 10 * time.Second

type Executor struct {
	Sequences   store.SequenceRepository
	Enrollments store.EnrollmentRepository
	Leads       LeadReader
	Sender      Sender
	Pool        *worker.Pool
	Metrics     *metrics.Counters
	Now         func() time.Time

	// passMu serializes passes within the process.
	passMu sync.Mutex
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Executor) pool() *worker.Pool {
	if e.Pool != nil {
		return e.Pool
	}
	return worker.NewPool(1)
}

type EnrollResult struct {
	EnrollmentID string    `json:"enrollment_id"`
	Created      bool      `json:"created"`
	NextStepAt   time.Time `json:"next_step_at"`
}

// EnrollLead starts leadID on the sequence. The first step becomes eligible at
// startAt (or now) plus step 0's delay. Enrolling a lead that is already active
// in the sequence returns the existing enrollment with Created=false.
func (e *Executor) EnrollLead(ctx context.Context, sequenceID, leadID, tenantID string, startAt *time.Time) (EnrollResult, error) {
	if leadID == "" {
		return EnrollResult{}, errors.New("lead id is required")
	}
	seq, err := e.Sequences.GetSequence(ctx, sequenceID)
	if err != nil {
		return EnrollResult{}, fmt.Errorf("load sequence %s: %w", sequenceID, err)
	}
	if tenantID == "" {
		tenantID = seq.TenantID
	}
	if seq.TenantID != tenantID {
		return EnrollResult{}, fmt.Errorf("sequence %s: %w", sequenceID, domain.ErrNotFound)
	}
	if seq.Status != domain.SequenceActive {
		return EnrollResult{}, fmt.Errorf("sequence %s is %s: %w", sequenceID, seq.Status, domain.ErrSequenceInactive)
	}

	now := e.now()
	start := now
	if startAt != nil {
		start = startAt.UTC()
	}
	if first, ok := seq.Step(0); ok {
		start = start.Add(first.Delay())
	}

	id, created, err := e.Enrollments.CreateEnrollment(ctx, domain.Enrollment{
		SequenceID: sequenceID,
		LeadID:     leadID,
		TenantID:   tenantID,
		NextStepAt: &start,
		CreatedAt:  now,
	})
	if err != nil {
		return EnrollResult{}, fmt.Errorf("create enrollment: %w", err)
	}
	res := EnrollResult{EnrollmentID: id, Created: created, NextStepAt: start}
	if !created {
		existing, err := e.Enrollments.GetEnrollment(ctx, id)
		if err == nil && existing.NextStepAt != nil {
			res.NextStepAt = *existing.NextStepAt
		}
	}
	log.Info().Str("enrollment_id", id).Str("sequence_id", sequenceID).Str("lead_id", leadID).
		Bool("created", created).Msg("lead enrolled")
	return res, nil
}

// UnenrollLead cancels the lead's active enrollment in the sequence. It is a
// no-op when there is none.
func (e *Executor) UnenrollLead(ctx context.Context, sequenceID, leadID string) error {
	en, err := e.Enrollments.ActiveEnrollment(ctx, sequenceID, leadID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := e.Enrollments.CancelEnrollment(ctx, en.ID, e.now()); err != nil {
		return fmt.Errorf("cancel enrollment %s: %w", en.ID, err)
	}
	log.Info().Str("enrollment_id", en.ID).Str("lead_id", leadID).Msg("lead unenrolled")
	return nil
}

func (e *Executor) GetEnrollment(ctx context.Context, id string) (domain.Enrollment, error) {
	return e.Enrollments.GetEnrollment(ctx, id)
}

// Sends returns the step send log of one enrollment, oldest first.
func (e *Executor) Sends(ctx context.Context, enrollmentID string) ([]domain.StepSend, error) {
	if _, err := e.Enrollments.GetEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}
	return e.Enrollments.ListSends(ctx, enrollmentID)
}

// EnrollmentResult describes what one pass did to one enrollment.
type EnrollmentResult struct {
	EnrollmentID string            `json:"enrollment_id"`
	SequenceID   string            `json:"sequence_id"`
	LeadID       string            `json:"lead_id"`
	Step         int               `json:"step"`
	Status       string            `json:"status"`
	Outcomes     []channel.Outcome `json:"outcomes,omitempty"`
	StepSkipped  bool              `json:"step_skipped,omitempty"`
	Skipped      bool              `json:"skipped,omitempty"`
	Warning      string            `json:"warning,omitempty"`
}

func (r EnrollmentResult) failed() bool {
	for _, o := range r.Outcomes {
		if o.Failed() {
			return true
		}
	}
	return false
}

type BatchProcessResult struct {
	Selected  int                `json:"selected"`
	Attempted int                `json:"attempted"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Completed int                `json:"completed"`
	Cancelled int                `json:"cancelled"`
	Skipped   int                `json:"skipped"`
	Results   []EnrollmentResult `json:"results"`
}

// ProcessDueEnrollments runs the current step of up to limit due enrollments.
// Per-enrollment trouble lands in the result; only a failure to list due
// enrollments is returned as an error.
//
// Passes on one Executor run one at a time, so the API and the cron tick
// never select the same due step. Due enrollments are not leased in the
// database: callers must not run passes from several processes against one
// store at once.
func (e *Executor) ProcessDueEnrollments(ctx context.Context, limit int) (BatchProcessResult, error) {
	if limit <= 0 {
		limit = 100
	}
	e.passMu.Lock()
	defer e.passMu.Unlock()
	now := e.now()
	due, err := e.Enrollments.ListDueEnrollments(ctx, now, limit)
	if err != nil {
		return BatchProcessResult{}, fmt.Errorf("list due enrollments: %w", err)
	}

	out := BatchProcessResult{Selected: len(due), Results: make([]EnrollmentResult, len(due))}
	if len(due) == 0 {
		return out, nil
	}
	seqs := e.loadSequences(ctx, due)

	e.pool().Each(ctx, len(due), func(ctx context.Context, i int) {
		out.Results[i] = e.processOne(ctx, due[i], seqs, now)
	})

	for i, r := range out.Results {
		if r.EnrollmentID == "" {
			// Never started because ctx ended.
			out.Results[i] = EnrollmentResult{EnrollmentID: due[i].ID, SequenceID: due[i].SequenceID, LeadID: due[i].LeadID,
				Step: due[i].CurrentStep, Status: due[i].Status, Skipped: true, Warning: "pass interrupted"}
			r = out.Results[i]
		}
		switch {
		case r.Skipped:
			out.Skipped++
			continue
		case r.Status == domain.EnrollmentCancelled:
			out.Cancelled++
			continue
		}
		out.Attempted++
		if r.failed() {
			out.Failed++
		} else {
			out.Succeeded++
		}
		if r.Status == domain.EnrollmentCompleted {
			out.Completed++
		}
	}

	e.Metrics.ObservePass(out.Attempted, out.Failed)
	log.Info().Int("selected", out.Selected).Int("attempted", out.Attempted).Int("failed", out.Failed).
		Int("completed", out.Completed).Int("cancelled", out.Cancelled).Int("skipped", out.Skipped).
		Msg("processed due enrollments")
	return out, nil
}

type sequenceSet struct {
	byID map[string]domain.Sequence
	errs map[string]error
}

// loadSequences reads each referenced sequence once per pass.
func (e *Executor) loadSequences(ctx context.Context, due []domain.Enrollment) sequenceSet {
	set := sequenceSet{byID: map[string]domain.Sequence{}, errs: map[string]error{}}
	for _, en := range due {
		if _, ok := set.byID[en.SequenceID]; ok {
			continue
		}
		if _, ok := set.errs[en.SequenceID]; ok {
			continue
		}
		s, err := e.Sequences.GetSequence(ctx, en.SequenceID)
		if err != nil {
			set.errs[en.SequenceID] = err
			continue
		}
		set.byID[en.SequenceID] = s
	}
	return set
}

func (e *Executor) processOne(ctx context.Context, en domain.Enrollment, seqs sequenceSet, now time.Time) EnrollmentResult {
	res := EnrollmentResult{EnrollmentID: en.ID, SequenceID: en.SequenceID, LeadID: en.LeadID, Step: en.CurrentStep, Status: en.Status}
	logger := log.With().Str("enrollment_id", en.ID).Str("lead_id", en.LeadID).Str("sequence_id", en.SequenceID).Logger()

	skip := func(warning string) EnrollmentResult {
		res.Skipped, res.Warning = true, warning
		return res
	}

	lead, err := e.Leads.GetLead(ctx, en.LeadID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Msg("enrollment references missing lead, skipping")
		return skip("lead not found")
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to load lead")
		return skip("load lead: " + err.Error())
	}

	if lead.Suppressed() {
		ok, err := e.Enrollments.CancelEnrollment(ctx, en.ID, now)
		if err != nil {
			logger.Error().Err(err).Msg("failed to cancel suppressed enrollment")
			return skip("cancel: " + err.Error())
		}
		if !ok {
			return skip("enrollment no longer active")
		}
		logger.Info().Str("lead_status", lead.Status).Msg("lead suppressed, enrollment cancelled")
		res.Status = domain.EnrollmentCancelled
		return res
	}

	seq, ok := seqs.byID[en.SequenceID]
	if !ok {
		err := seqs.errs[en.SequenceID]
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn().Msg("enrollment references missing sequence, skipping")
			return skip("sequence not found")
		}
		logger.Error().Err(err).Msg("failed to load sequence")
		return skip(fmt.Sprintf("load sequence: %v", err))
	}
	if seq.Status != domain.SequenceActive {
		logger.Debug().Str("sequence_status", seq.Status).Msg("sequence not active, skipping")
		return skip("sequence is " + seq.Status)
	}

	step, ok := seq.Step(en.CurrentStep)
	if !ok {
		// Steps ran out, e.g. after an edit appended nothing past this index.
		return e.persist(ctx, logger, res, store.Advance{
			ID: en.ID, ExpectedStep: en.CurrentStep, NextStep: en.CurrentStep,
			LastStepAt: now, Status: domain.EnrollmentCompleted,
		})
	}

	if ctx.Err() != nil {
		return skip("pass interrupted")
	}
	if step.SkipIf != domain.SkipNone && lead.HasTag(string(step.SkipIf)) {
		res.StepSkipped = true
		logger.Debug().Int("step", en.CurrentStep).Str("skip_if", string(step.SkipIf)).Msg("step skipped")
	} else {
		res.Outcomes = e.sendStep(ctx, en, step, lead)
	}

	adv := store.Advance{
		ID:           en.ID,
		ExpectedStep: en.CurrentStep,
		NextStep:     en.CurrentStep + 1,
		LastStepAt:   now,
		Status:       domain.EnrollmentActive,
		LastError:    lastError(res.Outcomes),
	}
	if next, ok := seq.Step(en.CurrentStep + 1); ok {
		at := now.Add(next.Delay())
		adv.NextStepAt = &at
	} else {
		adv.Status = domain.EnrollmentCompleted
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	res = e.persist(pctx, logger, res, adv)
	if res.Skipped {
		return res
	}
	e.recordSends(pctx, logger, en, res.Outcomes, now)
	return res
}

// sendStep fans the step's enabled channels out concurrently and waits for all
// of them. A failure on one channel does not affect the others.
func (e *Executor) sendStep(ctx context.Context, en domain.Enrollment, step domain.SequenceStep, lead domain.Lead) []channel.Outcome {
	contents := step.Channels()
	if len(contents) == 0 {
		return nil
	}
	vars := render.VarsFor(lead)
	corr := channel.Correlation{EnrollmentID: en.ID, SequenceID: en.SequenceID, StepIndex: en.CurrentStep, LeadID: en.LeadID}

	outcomes := make([]channel.Outcome, len(contents))
	var wg sync.WaitGroup
	for i, c := range contents {
		wg.Add(1)
		go func(i int, c domain.ChannelContent) {
			defer wg.Done()
			outcomes[i] = e.Sender.Send(ctx, messageFor(c, lead, vars, corr))
		}(i, c)
	}
	wg.Wait()
	return outcomes
}

func messageFor(c domain.ChannelContent, lead domain.Lead, vars render.Vars, corr channel.Correlation) channel.Message {
	m := channel.Message{Channel: c.Channel(), Correlation: corr}
	switch c := c.(type) {
	case domain.SMSContent:
		m.To, m.Body = lead.Phone, render.Render(c.Template, vars)
	case domain.EmailContent:
		m.To = lead.Email
		m.Subject, m.Body = render.Render(c.Subject, vars), render.Render(c.Template, vars)
	case domain.VoiceContent:
		m.To, m.Body = lead.Phone, render.Render(c.Template, vars)
	}
	return m
}

func (e *Executor) persist(ctx context.Context, logger zerolog.Logger, res EnrollmentResult, adv store.Advance) EnrollmentResult {
	ok, err := e.Enrollments.AdvanceEnrollment(ctx, adv)
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist enrollment")
		res.Skipped, res.Warning = true, "persist: "+err.Error()
		return res
	}
	if !ok {
		logger.Warn().Int("sends", len(res.Outcomes)).Msg("enrollment changed during pass, result discarded")
		res.Skipped, res.Warning = true, "enrollment no longer active at step"
		return res
	}
	res.Status = adv.Status
	if adv.Status == domain.EnrollmentCompleted {
		logger.Info().Msg("enrollment completed")
	}
	return res
}

func (e *Executor) recordSends(ctx context.Context, logger zerolog.Logger, en domain.Enrollment, outcomes []channel.Outcome, now time.Time) {
	if len(outcomes) == 0 {
		return
	}
	sends := make([]domain.StepSend, 0, len(outcomes))
	for _, o := range outcomes {
		sends = append(sends, domain.StepSend{
			EnrollmentID: en.ID,
			SequenceID:   en.SequenceID,
			LeadID:       en.LeadID,
			StepIndex:    en.CurrentStep,
			Channel:      o.Channel,
			Status:       string(o.Status),
			ProviderID:   o.ProviderID,
			Error:        o.Error,
			CreatedAt:    now,
		})
	}
	if err := e.Enrollments.RecordSends(ctx, sends); err != nil {
		logger.Error().Err(err).Msg("failed to record step sends")
	}
}

func lastError(outcomes []channel.Outcome) string {
	var msgs []string
	for _, o := range outcomes {
		if o.Failed() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", o.Channel, o.Error))
		}
	}
	return strings.Join(msgs, "; ")
}

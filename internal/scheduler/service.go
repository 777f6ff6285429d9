package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"leadflow/internal/batch"
	"leadflow/internal/sequence"
)

type EnrollmentProcessor interface {
	ProcessDueEnrollments(ctx context.Context, limit int) (sequence.BatchProcessResult, error)
}

type JobRunner interface {
	RunDue(ctx context.Context, limit int) ([]batch.BatchOutcome, error)
	RecoverStale(ctx context.Context, timeout time.Duration) (int, error)
}

type Config struct {
	EnrollmentSpec  string
	JobSpec         string
	RecoverSpec     string
	EnrollmentLimit int
	JobLimit        int
	StaleAfter      time.Duration
}

// Service is the external trigger for both entry points. Each tick is skipped
// while the previous run of the same tick is still going.
type Service struct {
	enrollments EnrollmentProcessor
	jobs        JobRunner
	cfg         Config
	cron        *cron.Cron

	mu   sync.Mutex
	ctx  context.Context
	stop chan struct{}
	once sync.Once
}

func NewService(enrollments EnrollmentProcessor, jobs JobRunner, cfg Config) (*Service, error) {
	if cfg.EnrollmentLimit <= 0 {
		cfg.EnrollmentLimit = 100
	}
	if cfg.JobLimit <= 0 {
		cfg.JobLimit = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}

	s := &Service{
		enrollments: enrollments,
		jobs:        jobs,
		cfg:         cfg,
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{}))),
		ctx:         context.Background(),
		stop:        make(chan struct{}),
	}
	entries := []struct {
		name string
		spec string
		fn   func()
	}{
		{"enrollments", cfg.EnrollmentSpec, func() { s.TickEnrollments(s.context()) }},
		{"jobs", cfg.JobSpec, func() { s.TickJobs(s.context()) }},
		{"recover", cfg.RecoverSpec, func() { s.TickRecover(s.context()) }},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		if err := ValidateCronExpression(e.spec); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", e.name, e.spec, err)
		}
		if _, err := s.cron.AddFunc(e.spec, e.fn); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", e.name, err)
		}
	}
	return s, nil
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start runs the cron until ctx is done or Stop is called, then waits for
// running ticks to return.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	log.Info().Int("entries", len(s.cron.Entries())).Msg("scheduler started")
	for _, t := range s.Upcoming(time.Now()) {
		log.Info().Str("tick", t.Name).Str("schedule", t.Spec).Time("next_run", t.Next).Msg("tick scheduled")
	}

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	log.Info().Msg("scheduler stopped")
}

// Tick is one configured schedule and the next time it fires.
type Tick struct {
	Name string    `json:"name"`
	Spec string    `json:"schedule"`
	Next time.Time `json:"next_run"`
}

// Upcoming lists the configured ticks in a fixed order. Unset ticks are left out.
func (s *Service) Upcoming(from time.Time) []Tick {
	return s.cfg.Upcoming(from)
}

// Upcoming lists the next run of every set schedule after from.
func (c Config) Upcoming(from time.Time) []Tick {
	var out []Tick
	for _, e := range [][2]string{{"enrollments", c.EnrollmentSpec}, {"jobs", c.JobSpec}, {"recover", c.RecoverSpec}} {
		if e[1] == "" {
			continue
		}
		next, err := NextRunTime(e[1], from)
		if err != nil {
			continue
		}
		out = append(out, Tick{Name: e[0], Spec: e[1], Next: next})
	}
	return out
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Service) TickEnrollments(ctx context.Context) {
	if s.enrollments == nil {
		return
	}
	res, err := s.enrollments.ProcessDueEnrollments(ctx, s.cfg.EnrollmentLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to process due enrollments")
		return
	}
	if res.Selected > 0 {
		log.Debug().Int("selected", res.Selected).Int("failed", res.Failed).Msg("enrollment tick done")
	}
}

func (s *Service) TickJobs(ctx context.Context) {
	if s.jobs == nil {
		return
	}
	outcomes, err := s.jobs.RunDue(ctx, s.cfg.JobLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to run due jobs")
	}
	for _, o := range outcomes {
		if o.Error != "" {
			log.Warn().Str("job_id", o.JobID).Str("error", o.Error).Msg("job tick skipped")
		}
	}
}

func (s *Service) TickRecover(ctx context.Context) {
	if s.jobs == nil {
		return
	}
	if _, err := s.jobs.RecoverStale(ctx, s.cfg.StaleAfter); err != nil {
		log.Error().Err(err).Msg("failed to recover stale jobs")
	}
}

// cronLogger routes cron's own messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

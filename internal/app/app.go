// Package app assembles the engine from a Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"leadflow/internal/api"
	"leadflow/internal/batch"
	"leadflow/internal/channel"
	"leadflow/internal/config"
	"leadflow/internal/enrich"
	"leadflow/internal/metrics"
	"leadflow/internal/quota"
	"leadflow/internal/retry"
	"leadflow/internal/scheduler"
	"leadflow/internal/sequence"
	"leadflow/internal/store"
	"leadflow/internal/worker"
)

type App struct {
	Config     *config.Config
	DB         *sql.DB
	Store      *store.SQLite
	Ledger     quota.Ledger
	Dispatcher *channel.Dispatcher
	Executor   *sequence.Executor
	Runner     *batch.Runner
	Scheduler  *scheduler.Service
	Metrics    *metrics.Counters

	redis *redis.Client
}

// New opens the database, picks the quota backend and wires every component.
func New(cfg *config.Config) (*App, error) {
	db, err := store.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db, Store: store.NewSQLite(db), Metrics: &metrics.Counters{}}

	switch cfg.Quota.Backend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.Ledger = quota.NewRedisLedger(a.redis, cfg.Redis.Prefix)
	default:
		a.Ledger = quota.NewSQLiteLedger(db)
	}

	gateway := channel.NewGateway(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.From, cfg.Dispatch.SendTimeout)
	a.Dispatcher = &channel.Dispatcher{
		SMS:   gateway,
		Voice: gateway,
		Email: channel.NewSMTPSender(channel.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			FromName: cfg.SMTP.FromName,
		}),
		Suppression: a.Store,
		Retry: retry.Policy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseDelay:   cfg.Dispatch.BaseDelay,
			MaxDelay:    cfg.Dispatch.MaxDelay,
		},
		Timeout:         cfg.Dispatch.SendTimeout,
		CallbackBaseURL: cfg.Voice.CallbackBaseURL,
	}

	a.Executor = &sequence.Executor{
		Sequences:   a.Store,
		Enrollments: a.Store,
		Leads:       a.Store,
		Sender:      a.Dispatcher,
		Pool:        worker.NewPool(cfg.Workers.Enrollments),
		Metrics:     a.Metrics,
	}

	provider := enrich.NewHTTPProvider(cfg.Enrichment.URL, cfg.Enrichment.APIKey, cfg.Enrichment.Timeout, retry.Policy{
		MaxAttempts: cfg.Enrichment.MaxAttempts,
		BaseDelay:   cfg.Dispatch.BaseDelay,
		MaxDelay:    cfg.Dispatch.MaxDelay,
	})
	a.Runner = &batch.Runner{
		Jobs:             a.Store,
		Ledger:           a.Ledger,
		Provider:         provider,
		Leads:            a.Store,
		Enroller:         a.Executor,
		Pool:             worker.NewPool(cfg.Workers.Lookups),
		DailyCap:         cfg.Quota.DailyCap,
		DefaultBatchSize: cfg.Quota.BatchSize,
		Timeout:          cfg.Enrichment.Timeout,
		Metrics:          a.Metrics,
	}

	a.Scheduler, err = scheduler.NewService(a.Executor, a.Runner, ScheduleConfig(cfg))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// ScheduleConfig maps the schedule section onto the scheduler. A disabled
// schedule yields no ticks.
func ScheduleConfig(cfg *config.Config) scheduler.Config {
	sc := scheduler.Config{
		EnrollmentLimit: cfg.Schedule.EnrollmentLimit,
		JobLimit:        cfg.Schedule.JobLimit,
		StaleAfter:      cfg.Schedule.StaleAfter,
	}
	if cfg.Schedule.Enabled {
		sc.EnrollmentSpec, sc.JobSpec, sc.RecoverSpec = cfg.Schedule.Enrollments, cfg.Schedule.Jobs, cfg.Schedule.Recover
	}
	return sc
}

func (a *App) Handler() http.Handler {
	return api.NewServerWithDebug(api.Deps{
		Sequences:   a.Store,
		Enrollments: a.Executor,
		Jobs:        a.Runner,
		Ledger:      a.Ledger,
		DailyCap:    a.Config.Quota.DailyCap,
		Metrics:     a.Metrics,
	}, a.Config.Debug)
}

// RecoverStale returns jobs abandoned by a previous process to pending.
func (a *App) RecoverStale(ctx context.Context) {
	n, err := a.Runner.RecoverStale(ctx, a.Config.Schedule.StaleAfter)
	if err != nil {
		log.Error().Err(err).Msg("recover stale jobs")
		return
	}
	log.Info().Int("recovered", n).Msg("recovered stale processing jobs")
}

func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// SetupLogging configures the global zerolog logger.
func SetupLogging(level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}

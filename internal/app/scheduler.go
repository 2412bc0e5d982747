/**
 * @description
 * Cron scheduler for background reconciliation jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Poller is the part of the orchestrator the reconciliation jobs drive.
type Poller interface {
	PollPending(ctx context.Context) (int, error)
}

// Jobs holds the scheduled job bodies.
type Jobs struct {
	poller Poller
	logger *slog.Logger
}

func NewJobs(poller Poller, logger *slog.Logger) *Jobs {
	return &Jobs{poller: poller, logger: logger.With("component", "jobs")}
}

// PollInFlightTransactions reconciles transactions still awaiting a backend outcome.
func (j *Jobs) PollInFlightTransactions() {
	ctx := context.Background()
	n, err := j.poller.PollPending(ctx)
	if err != nil {
		j.logger.Error("in-flight poll failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("in-flight poll finished", "examined", n)
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance. Runs of the same job never overlap.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.PollInFlightTransactions); err != nil {
		s.logger.Error("failed to schedule in-flight poll job", "error", err)
		return err
	}
	s.logger.Info("scheduled in-flight poll job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

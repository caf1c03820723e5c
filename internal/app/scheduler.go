/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds the cron expressions of the scheduled jobs.
type SchedulerConfig struct {
	StalePendingSchedule string
	TierRefreshSchedule  string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.StalePendingSchedule, s.jobs.ReviewStalePending); err != nil {
		s.logger.Error("failed to schedule stale pending review job", "error", err)
	} else {
		s.logger.Info("scheduled stale pending review job", "schedule", s.config.StalePendingSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.TierRefreshSchedule, s.jobs.RefreshMerchantTiers); err != nil {
		s.logger.Error("failed to schedule tier refresh job", "error", err)
	} else {
		s.logger.Info("scheduled tier refresh job", "schedule", s.config.TierRefreshSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

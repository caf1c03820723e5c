/**
 * @description
 * Scheduled jobs: stale pending charge review and merchant tier refresh.
 */
package app

import (
	"context"
	"log/slog"
)

// JobService is the subset of the service the scheduled jobs drive.
type JobService interface {
	ReportStalePending(ctx context.Context) (int, error)
	RefreshTiers(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service JobService
	logger  *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(service JobService, logger *slog.Logger) *Jobs {
	return &Jobs{service: service, logger: logger}
}

// ReviewStalePending surfaces pending charges that outlived their settlement
// window. Nothing is failed automatically.
func (j *Jobs) ReviewStalePending() {
	j.logger.Info("starting stale pending charge review job")
	ctx := context.Background()

	count, err := j.service.ReportStalePending(ctx)
	if err != nil {
		j.logger.Error("failed to review stale pending charges", "error", err)
		return
	}

	j.logger.Info("stale pending charge review job finished", "stale", count)
}

// RefreshMerchantTiers recomputes cached tiers for active merchants.
func (j *Jobs) RefreshMerchantTiers() {
	j.logger.Info("starting merchant tier refresh job")
	ctx := context.Background()

	count, err := j.service.RefreshTiers(ctx)
	if err != nil {
		j.logger.Error("failed to refresh merchant tiers", "error", err)
		return
	}

	j.logger.Info("merchant tier refresh job finished", "merchants", count)
}

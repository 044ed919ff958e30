/**
 * @description
 * Cron scheduler setup for the expiry sweep and the outbox purge.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron                *cron.Cron
	jobs                *Jobs
	logger              *slog.Logger
	expirySweepSchedule string
	outboxPurgeSchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, expirySweepSchedule, outboxPurgeSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:                c,
		jobs:                jobs,
		logger:              logger,
		expirySweepSchedule: expirySweepSchedule,
		outboxPurgeSchedule: outboxPurgeSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.expirySweepSchedule, s.jobs.ExpireStalePendingTransactions); err != nil {
		s.logger.Error("failed to schedule expiry sweep job", "error", err)
		return err
	}
	s.logger.Info("scheduled expiry sweep job", "schedule", s.expirySweepSchedule)

	if _, err := s.cron.AddFunc(s.outboxPurgeSchedule, s.jobs.PurgePublishedOutbox); err != nil {
		s.logger.Error("failed to schedule outbox purge job", "error", err)
	} else {
		s.logger.Info("scheduled outbox purge job", "schedule", s.outboxPurgeSchedule)
	}

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

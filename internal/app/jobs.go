/**
 * @description
 * Scheduled job implementations for the ledger-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

const expirySweepBatchSize = 200

// ExpirySweeper fails staged transactions whose OTP window has closed.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// OutboxPurger deletes delivered outbox rows.
type OutboxPurger interface {
	PurgePublishedOutbox(ctx context.Context, publishedBefore time.Time) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper         ExpirySweeper
	purger          OutboxPurger
	outboxRetention time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper ExpirySweeper, purger OutboxPurger, outboxRetention time.Duration, logger *slog.Logger) *Jobs {
	if outboxRetention <= 0 {
		outboxRetention = 72 * time.Hour
	}
	return &Jobs{
		sweeper:         sweeper,
		purger:          purger,
		outboxRetention: outboxRetention,
		logger:          logger,
		now:             time.Now,
	}
}

// ExpireStalePendingTransactions finalizes abandoned staged transactions as FAILED.
func (j *Jobs) ExpireStalePendingTransactions() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
	defer cancel()

	total := 0
	for {
		resolved, err := j.sweeper.SweepExpired(ctx, expirySweepBatchSize)
		total += resolved
		if err != nil {
			j.logger.Error("expiry sweep failed", "error", err, "resolved", total)
			return
		}
		if resolved < expirySweepBatchSize {
			break
		}
	}

	if total > 0 {
		j.logger.Info("expired stale pending transactions", "count", total)
	}
}

// PurgePublishedOutbox removes outbox rows delivered before the retention window.
func (j *Jobs) PurgePublishedOutbox() {
	j.logger.Info("starting outbox purge job")
	ctx := context.Background()

	cutoff := j.now().Add(-j.outboxRetention)
	purged, err := j.purger.PurgePublishedOutbox(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to purge published outbox rows", "error", err)
		return
	}

	j.logger.Info("outbox purge job finished", "purged", purged, "cutoff", cutoff)
}

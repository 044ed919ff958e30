package store

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/ledger-service/internal/domain"
)

const (
	defaultOutboxClaimBatch = 50
	defaultOutboxStaleAfter = 120
)

// A due row is pending with next_attempt_at reached, or processing for longer than $2 seconds
// (the dispatcher that claimed it is assumed dead).
const claimOutboxSQL = `
UPDATE ledger_event_outbox AS o
SET status = 'processing', processing_started_at = NOW(), attempts = o.attempts + 1
WHERE o.id IN (
	SELECT id FROM ledger_event_outbox
	WHERE (status = 'pending' AND next_attempt_at <= NOW())
	   OR (status = 'processing' AND processing_started_at < NOW() - ($2::int * INTERVAL '1 second'))
	ORDER BY id
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
RETURNING o.id, o.exchange, o.routing_key, o.message_key, o.payload, o.attempts`

// ClaimOutboxMessages leases a batch of due outbox rows to the caller, oldest first.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxClaimBatch
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = defaultOutboxStaleAfter
	}

	rows, err := r.db.Query(ctx, claimOutboxSQL, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OutboxMessage, error) {
		var msg domain.OutboxMessage
		err := row.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &msg.MessageKey, &msg.Payload, &msg.Attempts)
		return msg, err
	})
	if err != nil {
		return nil, err
	}
	sortOutboxMessages(messages)
	return messages, nil
}

// MarkOutboxPublished closes the lease on a delivered row.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ledger_event_outbox
		 SET status = 'published', published_at = NOW(), processing_started_at = NULL, last_error = NULL
		 WHERE id = $1`, id)
	return err
}

// MarkOutboxFailed returns the row to pending and pushes its next attempt out by retryAfterSeconds.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	retryAfter := time.Duration(max(retryAfterSeconds, 1)) * time.Second
	_, err := r.db.Exec(ctx,
		`UPDATE ledger_event_outbox
		 SET status = 'pending', next_attempt_at = $2, processing_started_at = NULL, last_error = $3
		 WHERE id = $1`, id, time.Now().Add(retryAfter), TruncateReason(reason))
	return err
}

func (r *PostgresRepository) PurgePublishedOutbox(ctx context.Context, publishedBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM ledger_event_outbox WHERE status = 'published' AND published_at < $1`, publishedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// sortOutboxMessages puts a claimed batch back in id order, which RETURNING does not preserve.
func sortOutboxMessages(messages []domain.OutboxMessage) {
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
}

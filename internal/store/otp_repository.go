package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/ledger-service/internal/domain"
)

// FindActiveOtpChallenge returns the unverified challenge for (transaction, email).
func (r *PostgresRepository) FindActiveOtpChallenge(ctx context.Context, transactionID uuid.UUID, email string) (*domain.OtpChallenge, error) {
	var challenge domain.OtpChallenge
	err := r.db.QueryRow(ctx, `
		SELECT transaction_id, email, code, expires_at, attempt_count, verified, created_at
		FROM otp_challenges
		WHERE transaction_id = $1 AND email = $2 AND verified = FALSE
	`, transactionID, normalizeEmail(email)).Scan(
		&challenge.TransactionID,
		&challenge.Email,
		&challenge.Code,
		&challenge.ExpiresAt,
		&challenge.Attempts,
		&challenge.Verified,
		&challenge.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("find otp challenge: %w", err)
	}
	return &challenge, nil
}

// IncrementOtpAttempts records one failed attempt and returns the new attempt count.
func (r *PostgresRepository) IncrementOtpAttempts(ctx context.Context, transactionID uuid.UUID) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx, `
		UPDATE otp_challenges
		SET attempt_count = attempt_count + 1
		WHERE transaction_id = $1 AND verified = FALSE
		RETURNING attempt_count
	`, transactionID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrChallengeNotFound
		}
		return 0, fmt.Errorf("increment otp attempts: %w", err)
	}
	return attempts, nil
}

// MarkOtpVerified flips the verified flag. Only one caller can win it.
func (r *PostgresRepository) MarkOtpVerified(ctx context.Context, transactionID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE otp_challenges
		SET verified = TRUE
		WHERE transaction_id = $1 AND verified = FALSE
	`, transactionID)
	if err != nil {
		return fmt.Errorf("mark otp verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChallengeNotFound
	}
	return nil
}

// ReleaseOtpVerification reopens a verified challenge whose confirmation never committed.
func (r *PostgresRepository) ReleaseOtpVerification(ctx context.Context, transactionID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `
		UPDATE otp_challenges
		SET verified = FALSE
		WHERE transaction_id = $1 AND verified = TRUE
	`, transactionID); err != nil {
		return fmt.Errorf("release otp verification: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteOtpChallenge(ctx context.Context, transactionID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM otp_challenges WHERE transaction_id = $1`, transactionID); err != nil {
		return fmt.Errorf("delete otp challenge: %w", err)
	}
	return nil
}

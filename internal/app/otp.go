/**
 * @description
 * OtpService issues and verifies the one-time codes that gate staged withdrawals and transfers.
 *
 * @notes
 * - Issue runs inside the staging transaction so a challenge exists iff its transaction does.
 * - Verify bookkeeping (attempt increments, deletes) commits statement by statement, outside any
 *   caller transaction, so a recorded attempt survives whatever happens to the confirm call.
 * - Mail dispatch happens after commit and never fails the request.
 */

package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// MailSender is the outbound mail collaborator.
type MailSender interface {
	Send(to, subject, body string) error
}

// OtpService manages OtpChallenge rows.
type OtpService struct {
	repo        store.Repository
	mailer      MailSender
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	generate    func() (string, error)
	inflight    sync.WaitGroup
}

func NewOtpService(repo store.Repository, mailer MailSender, ttl time.Duration, maxAttempts int, now func() time.Time) *OtpService {
	if ttl <= 0 {
		ttl = domain.OTPDefaultTTL
	}
	if maxAttempts <= 0 || maxAttempts > domain.OTPMaxAttempts {
		maxAttempts = domain.OTPMaxAttempts
	}
	if now == nil {
		now = time.Now
	}
	return &OtpService{
		repo:        repo,
		mailer:      mailer,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		now:         now,
		generate:    generateNumericCode,
	}
}

// TTL is the lifetime of a freshly issued challenge.
func (o *OtpService) TTL() time.Duration {
	return o.ttl
}

// Issue creates the challenge for transactionID inside tx.
func (o *OtpService) Issue(ctx context.Context, tx store.LedgerTx, transactionID uuid.UUID, email string) (*domain.OtpChallenge, error) {
	code, err := o.generate()
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}
	challenge := &domain.OtpChallenge{
		TransactionID: transactionID,
		Email:         normalizeEmail(email),
		Code:          code,
		ExpiresAt:     o.now().Add(o.ttl),
	}
	if err := tx.InsertOtpChallenge(ctx, challenge); err != nil {
		return nil, fmt.Errorf("insert otp challenge: %w", err)
	}
	return challenge, nil
}

// Dispatch hands the code to the mail collaborator in the background.
func (o *OtpService) Dispatch(challenge *domain.OtpChallenge, operationKind string, amountText string) {
	if o.mailer == nil || challenge == nil {
		return
	}
	subject := "Your transaction verification code"
	body := fmt.Sprintf(
		"<p>Use <strong>%s</strong> to confirm your %s of %s.</p><p>The code expires in %d minutes. Never share it with anyone.</p>",
		challenge.Code, strings.ToLower(operationKind), amountText, int(o.ttl.Minutes()),
	)

	o.inflight.Add(1)
	go func(to string, txID uuid.UUID) {
		defer o.inflight.Done()
		if err := o.mailer.Send(to, subject, body); err != nil {
			log.Printf("level=warn component=otp msg=\"otp dispatch failed\" transaction_id=%s err=%v", txID, err)
		}
	}(challenge.Email, challenge.TransactionID)
}

// WaitForDispatch blocks until background mail sends finish.
func (o *OtpService) WaitForDispatch() {
	o.inflight.Wait()
}

// Verify checks code against the live challenge for (transactionID, email).
// ErrChallengeExpired and ErrAttemptsExceeded mean the challenge is gone and the caller must
// fail the transaction. ErrInvalidCode leaves the challenge in place for another try.
func (o *OtpService) Verify(ctx context.Context, transactionID uuid.UUID, email string, code string) error {
	challenge, err := o.repo.FindActiveOtpChallenge(ctx, transactionID, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrChallengeNotFound) {
			return ErrChallengeNotFound
		}
		return err
	}

	if challenge.Expired(o.now()) {
		o.discard(ctx, transactionID)
		return ErrChallengeExpired
	}
	if challenge.Attempts >= o.maxAttempts {
		o.discard(ctx, transactionID)
		return ErrAttemptsExceeded
	}

	if subtle.ConstantTimeCompare([]byte(challenge.Code), []byte(strings.TrimSpace(code))) != 1 {
		attempts, err := o.repo.IncrementOtpAttempts(ctx, transactionID)
		if err != nil {
			if errors.Is(err, store.ErrChallengeNotFound) {
				return ErrChallengeNotFound
			}
			return err
		}
		if attempts >= o.maxAttempts {
			o.discard(ctx, transactionID)
			return ErrAttemptsExceeded
		}
		return ErrInvalidCode
	}

	// Marking verified is the claim: a concurrent confirm with the same code loses here.
	if err := o.repo.MarkOtpVerified(ctx, transactionID); err != nil {
		if errors.Is(err, store.ErrChallengeNotFound) {
			return ErrChallengeNotFound
		}
		return err
	}
	return nil
}

// Release reopens a verified challenge after its confirmation failed to commit, so the
// customer can retry with the same code. It runs even when ctx is already done.
func (o *OtpService) Release(ctx context.Context, transactionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.repo.ReleaseOtpVerification(ctx, transactionID); err != nil {
		log.Printf("level=error component=otp msg=\"failed to release otp verification\" transaction_id=%s err=%v", transactionID, err)
	}
}

// Discard deletes the challenge once its transaction is terminal.
func (o *OtpService) Discard(ctx context.Context, transactionID uuid.UUID) {
	o.discard(ctx, transactionID)
}

func (o *OtpService) discard(ctx context.Context, transactionID uuid.UUID) {
	if err := o.repo.DeleteOtpChallenge(ctx, transactionID); err != nil {
		log.Printf("level=warn component=otp msg=\"failed to delete otp challenge\" transaction_id=%s err=%v", transactionID, err)
	}
}

func generateNumericCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < domain.OTPCodeLength; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", domain.OTPCodeLength, n.Int64()), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

/**
 * @description
 * This file defines the contracts for all data access in the ledger-service. `Repository`
 * covers reads and self-contained writes; `LedgerTx` is the lock-and-mutate capability that
 * only exists inside `Repository.WithinTx`, so every balance change happens while the row
 * lock taken by `LockAccount` is still held.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	ErrCustomerNotFound            = errors.New("customer not found")
	ErrAccountNotFound             = errors.New("account not found")
	ErrTransactionNotFound         = errors.New("transaction not found")
	ErrTransactionAlreadyProcessed = errors.New("transaction already processed")
	ErrChallengeNotFound           = errors.New("otp challenge not found")
	ErrDuplicateAccountNumber      = errors.New("account number already issued")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithinTx runs fn inside one database transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; all row locks are released at that point.
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// Customer and account methods
	UpsertCustomer(ctx context.Context, email string, fullName string) (*domain.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*domain.Customer, error)
	FindCustomerByID(ctx context.Context, customerID uuid.UUID) (*domain.Customer, error)
	NextAccountSequence(ctx context.Context) (int64, error)
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByNumber(ctx context.Context, accountNumber int64) (*domain.Account, error)
	FindAccountsByCustomerID(ctx context.Context, customerID uuid.UUID) ([]domain.Account, error)

	// Journal reads
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionsByReferenceID(ctx context.Context, referenceID uuid.UUID) ([]domain.Transaction, error)
	FindTransactionsByCustomerID(ctx context.Context, customerID uuid.UUID, limit int, offset int) ([]domain.Transaction, error)
	FindTransactionsByAccountIDs(ctx context.Context, accountIDs []uuid.UUID, limit int, offset int) ([]domain.Transaction, error)
	FindStalePendingTransactionIDs(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error)

	// OTP challenge methods. Each call commits on its own, outside any WithinTx.
	FindActiveOtpChallenge(ctx context.Context, transactionID uuid.UUID, email string) (*domain.OtpChallenge, error)
	IncrementOtpAttempts(ctx context.Context, transactionID uuid.UUID) (int, error)
	MarkOtpVerified(ctx context.Context, transactionID uuid.UUID) error
	ReleaseOtpVerification(ctx context.Context, transactionID uuid.UUID) error
	DeleteOtpChallenge(ctx context.Context, transactionID uuid.UUID) error

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
	PurgePublishedOutbox(ctx context.Context, publishedBefore time.Time) (int64, error)
}

// LedgerTx is the set of operations that must run under one database transaction.
type LedgerTx interface {
	// LockAccount loads the account row and holds an exclusive lock on it until the
	// surrounding transaction ends.
	LockAccount(ctx context.Context, accountNumber int64) (*domain.Account, error)
	UpdateAccountBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error

	InsertTransaction(ctx context.Context, txn *domain.Transaction) error
	// LockTransactionGroup locks the transaction and every row sharing its reference id,
	// ordered by id. The first element is not necessarily the requested row.
	LockTransactionGroup(ctx context.Context, transactionID uuid.UUID) ([]domain.Transaction, error)
	// FinalizeTransaction moves a PENDING row to a terminal status. It returns
	// ErrTransactionAlreadyProcessed when the row has already left PENDING.
	FinalizeTransaction(ctx context.Context, transactionID uuid.UUID, params FinalizeParams) error

	InsertOtpChallenge(ctx context.Context, challenge *domain.OtpChallenge) error
	EnqueueEvent(ctx context.Context, exchange, routingKey, messageKey string, payload interface{}) error
}

// FinalizeParams carries the terminal status and the values that accompany it.
type FinalizeParams struct {
	Status         string
	ClosingBalance *decimal.Decimal
	FailureReason  *string
}

// TruncateReason bounds free-text reasons stored alongside rows.
func TruncateReason(reason string) string {
	if len(reason) > 2000 {
		return reason[:2000]
	}
	return reason
}

/**
 * @description
 * This file contains the use-case layer of the ledger-service. The `Service` struct is what the
 * HTTP handlers call; it wires the account ledger, the journal, OTP challenges, the confirmation
 * workflow and the transfer coordinator together.
 *
 * Key features:
 * - Deposits apply immediately and are journaled as SUCCESS.
 * - Withdrawals and transfers are staged PENDING behind an emailed OTP.
 * - Every terminal outcome stages a lifecycle event in the same commit (transactional outbox).
 *
 * @dependencies
 * - github.com/google/uuid: Transaction and account identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// BankDirectory resolves an IFSC code to a bank id.
type BankDirectory interface {
	LookupBankID(ctx context.Context, ifsc string) (int64, error)
}

// ConfirmRateLimiter counts confirmation attempts per subject within a window.
type ConfirmRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Options tunes the service. Zero values fall back to the standard rules.
type Options struct {
	EventExchange             string
	OTPTTL                    time.Duration
	OTPMaxAttempts            int
	ConfirmRateLimitPerMinute int
	Now                       func() time.Time
}

// Service provides the money-movement use cases.
type Service struct {
	repo      store.Repository
	banks     BankDirectory
	limiter   ConfirmRateLimiter
	opts      Options
	now       func() time.Time
	ledger    *AccountLedger
	allocator *AccountNumberAllocator
	journal   *TransactionJournal
	otp       *OtpService
	publisher *EventPublisher
	workflow  *ConfirmationWorkflow
	transfers *TransferCoordinator
}

// NewService creates a new ledger service instance. limiter may be nil.
func NewService(repo store.Repository, mailer MailSender, banks BankDirectory, limiter ConfirmRateLimiter, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ledger := NewAccountLedger(repo)
	journal := NewTransactionJournal(repo)
	otp := NewOtpService(repo, mailer, opts.OTPTTL, opts.OTPMaxAttempts, now)
	publisher := NewEventPublisher(opts.EventExchange)

	return &Service{
		repo:      repo,
		banks:     banks,
		limiter:   limiter,
		opts:      opts,
		now:       now,
		ledger:    ledger,
		allocator: NewAccountNumberAllocator(repo),
		journal:   journal,
		otp:       otp,
		publisher: publisher,
		workflow:  NewConfirmationWorkflow(repo, ledger, journal, otp, publisher, now),
		transfers: NewTransferCoordinator(repo, ledger, journal, otp),
	}
}

// Workflow exposes the confirmation workflow to background jobs.
func (s *Service) Workflow() *ConfirmationWorkflow {
	return s.workflow
}

// OTP exposes the OTP service, mainly so shutdown can wait for in-flight mail.
func (s *Service) OTP() *OtpService {
	return s.otp
}

// OpenAccount creates an ACTIVE, zero-balance account for the caller at the bank behind req.IFSC.
func (s *Service) OpenAccount(ctx context.Context, email string, req domain.OpenAccountRequest) (*domain.Account, error) {
	pinHash, err := HashPIN(req.PIN)
	if err != nil {
		return nil, err
	}
	if s.banks == nil {
		return nil, fmt.Errorf("%w: no bank directory configured", ErrBankRegistryUnavailable)
	}

	ifsc := strings.ToUpper(strings.TrimSpace(req.IFSC))
	bankID, err := s.banks.LookupBankID(ctx, ifsc)
	if err != nil {
		return nil, err
	}

	customer, err := s.repo.UpsertCustomer(ctx, email, req.FullName)
	if err != nil {
		return nil, fmt.Errorf("upsert customer: %w", err)
	}

	accountNumber, err := s.allocator.Generate(ctx, bankID)
	if err != nil {
		return nil, err
	}

	account := &domain.Account{
		ID:            uuid.New(),
		AccountNumber: accountNumber,
		CustomerID:    customer.ID,
		BankID:        bankID,
		IFSC:          ifsc,
		PINHash:       pinHash,
		Status:        domain.AccountStatusActive,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	log.Printf("level=info component=service msg=\"account opened\" account_number=%d bank_id=%d customer_id=%s", account.AccountNumber, bankID, customer.ID)
	return account, nil
}

// ListAccounts returns the caller's accounts. A caller with no customer record has none.
func (s *Service) ListAccounts(ctx context.Context, email string) ([]domain.Account, error) {
	customer, err := s.repo.FindCustomerByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrCustomerNotFound) {
			return []domain.Account{}, nil
		}
		return nil, err
	}
	accounts, err := s.repo.FindAccountsByCustomerID(ctx, customer.ID)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	return accounts, nil
}

// GetAccount returns one of the caller's accounts.
func (s *Service) GetAccount(ctx context.Context, email string, accountNumber int64) (*domain.Account, error) {
	customer, err := s.customerFor(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.ledger.ResolveByNumber(ctx, accountNumber, customer.ID)
}

// Deposit credits the caller's account and journals a SUCCESS row in one commit.
func (s *Service) Deposit(ctx context.Context, email string, req domain.DepositRequest) (*domain.Transaction, error) {
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	customer, err := s.customerFor(ctx, email)
	if err != nil {
		return nil, err
	}
	account, err := s.ledger.ResolveByNumber(ctx, req.AccountNumber, customer.ID)
	if err != nil {
		return nil, err
	}

	var recorded *domain.Transaction
	err = s.repo.WithinTx(ctx, func(tx store.LedgerTx) error {
		locked, err := s.ledger.LockAccounts(ctx, tx, account.AccountNumber)
		if err != nil {
			return err
		}
		closing, err := s.ledger.Credit(ctx, tx, locked[account.AccountNumber], req.Amount)
		if err != nil {
			return err
		}

		now := s.now()
		recorded = &domain.Transaction{
			AccountID:      account.ID,
			AccountNumber:  account.AccountNumber,
			BankID:         account.BankID,
			MovementKind:   domain.MovementCredit,
			OperationKind:  domain.OperationDeposit,
			Amount:         req.Amount,
			ClosingBalance: &closing,
			Status:         domain.StatusSuccess,
		}
		if _, err := s.journal.Record(ctx, tx, recorded); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, tx, lifecycleEvent(recorded, customer.Email, "Deposit credited", now))
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service msg=\"deposit applied\" transaction_id=%s account_number=%d amount=%s", recorded.ID, recorded.AccountNumber, recorded.Amount.StringFixed(2))
	return recorded, nil
}

// Withdraw stages a PENDING withdrawal and mails its OTP. No balance moves until confirmation.
func (s *Service) Withdraw(ctx context.Context, email string, req domain.WithdrawRequest) (*domain.Transaction, error) {
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if !pinPattern.MatchString(req.PIN) {
		return nil, ErrInvalidPINFormat
	}
	customer, err := s.customerFor(ctx, email)
	if err != nil {
		return nil, err
	}
	account, err := s.ledger.ResolveByNumber(ctx, req.AccountNumber, customer.ID)
	if err != nil {
		return nil, err
	}
	if err := VerifyPIN(account.PINHash, req.PIN); err != nil {
		return nil, err
	}

	var (
		staged    *domain.Transaction
		challenge *domain.OtpChallenge
	)
	err = s.repo.WithinTx(ctx, func(tx store.LedgerTx) error {
		locked, err := s.ledger.LockAccounts(ctx, tx, account.AccountNumber)
		if err != nil {
			return err
		}
		current := locked[account.AccountNumber]
		if !current.IsActive() {
			return ErrAccountInactive
		}
		if current.Balance.LessThan(req.Amount) {
			return ErrInsufficientBalance
		}

		staged = &domain.Transaction{
			AccountID:     account.ID,
			AccountNumber: account.AccountNumber,
			BankID:        account.BankID,
			MovementKind:  domain.MovementDebit,
			OperationKind: domain.OperationWithdraw,
			Amount:        req.Amount,
			Status:        domain.StatusPending,
		}
		if _, err := s.journal.Record(ctx, tx, staged); err != nil {
			return err
		}
		challenge, err = s.otp.Issue(ctx, tx, staged.ID, customer.Email)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.otp.Dispatch(challenge, domain.OperationWithdraw, req.Amount.StringFixed(2))
	log.Printf("level=info component=service msg=\"withdrawal staged\" transaction_id=%s account_number=%d amount=%s", staged.ID, staged.AccountNumber, staged.Amount.StringFixed(2))
	return staged, nil
}

// Transfer stages a transfer between the caller's account and any other account.
func (s *Service) Transfer(ctx context.Context, email string, req domain.TransferRequest) (*domain.StagedTransfer, error) {
	return s.transfers.Stage(ctx, email, req)
}

// Confirm resolves a staged transaction with its OTP, subject to the per-caller rate limit.
func (s *Service) Confirm(ctx context.Context, email string, req domain.ConfirmRequest) (*domain.Transaction, error) {
	if err := s.enforceConfirmRateLimit(ctx, email); err != nil {
		return nil, err
	}
	return s.workflow.Confirm(ctx, email, req.TransactionID, req.OTP)
}

// History returns a page of the caller's journal, optionally narrowed to one of their accounts.
func (s *Service) History(ctx context.Context, email string, accountNumber *int64, page, size int) (*domain.HistoryPage, error) {
	customer, err := s.repo.FindCustomerByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrCustomerNotFound) {
			page, size, err := normalizePage(page, size)
			if err != nil {
				return nil, err
			}
			return &domain.HistoryPage{Items: []domain.Transaction{}, Page: page, Size: size}, nil
		}
		return nil, err
	}
	if accountNumber == nil {
		return s.journal.FindByOwner(ctx, customer.ID, page, size)
	}
	account, err := s.ledger.ResolveByNumber(ctx, *accountNumber, customer.ID)
	if err != nil {
		return nil, err
	}
	return s.journal.FindByAccounts(ctx, []uuid.UUID{account.ID}, page, size)
}

// GetTransaction returns one journal row owned by the caller. Rows on other customers'
// accounts are reported as not found.
func (s *Service) GetTransaction(ctx context.Context, email string, transactionID uuid.UUID) (*domain.Transaction, error) {
	customer, err := s.customerFor(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	txn, err := s.journal.FindByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.ResolveByNumber(ctx, txn.AccountNumber, customer.ID); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return txn, nil
}

// customerFor resolves the caller. A caller without a customer record owns no accounts.
func (s *Service) customerFor(ctx context.Context, email string) (*domain.Customer, error) {
	customer, err := s.repo.FindCustomerByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrCustomerNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return customer, nil
}

func (s *Service) enforceConfirmRateLimit(ctx context.Context, email string) error {
	limit := s.opts.ConfirmRateLimitPerMinute
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "otp_confirm", normalizeEmail(email), limit, time.Minute)
	if err != nil {
		// The limiter guards abuse; a Redis outage must not block confirmations.
		log.Printf("level=warn component=service msg=\"confirm rate limiter unavailable\" err=%v", err)
		return nil
	}
	if count > limit {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

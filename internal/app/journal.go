package app

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

const (
	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 100
)

// TransactionJournal records money-movement rows and moves them to a terminal status exactly once.
type TransactionJournal struct {
	repo store.Repository
}

func NewTransactionJournal(repo store.Repository) *TransactionJournal {
	return &TransactionJournal{repo: repo}
}

// Record inserts entry inside tx. Only PENDING and SUCCESS rows may be created.
func (j *TransactionJournal) Record(ctx context.Context, tx store.LedgerTx, entry *domain.Transaction) (uuid.UUID, error) {
	if entry.Status != domain.StatusPending && entry.Status != domain.StatusSuccess {
		return uuid.Nil, fmt.Errorf("record transaction: invalid initial status %q", entry.Status)
	}
	if err := ValidateAmount(entry.Amount); err != nil {
		return uuid.Nil, err
	}
	if entry.Status == domain.StatusPending {
		entry.ClosingBalance = nil
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.BankID == 0 {
		entry.BankID = domain.BankIDFromAccountNumber(entry.AccountNumber)
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return uuid.Nil, fmt.Errorf("insert transaction: %w", err)
	}
	return entry.ID, nil
}

// Finalize moves a PENDING row to SUCCESS (with its closing balance) or FAILED (with a reason).
func (j *TransactionJournal) Finalize(ctx context.Context, tx store.LedgerTx, transactionID uuid.UUID, status string, closingBalance *decimal.Decimal, reason string) error {
	params := store.FinalizeParams{Status: status}
	switch status {
	case domain.StatusSuccess:
		if closingBalance == nil {
			return fmt.Errorf("finalize %s: closing balance is required for SUCCESS", transactionID)
		}
		params.ClosingBalance = closingBalance
	case domain.StatusFailed:
		if reason != "" {
			trimmed := store.TruncateReason(reason)
			params.FailureReason = &trimmed
		}
	default:
		return fmt.Errorf("finalize %s: %q is not a terminal status", transactionID, status)
	}

	if err := tx.FinalizeTransaction(ctx, transactionID, params); err != nil {
		if errors.Is(err, store.ErrTransactionAlreadyProcessed) {
			return ErrTransactionAlreadyProcessed
		}
		return fmt.Errorf("finalize %s: %w", transactionID, err)
	}
	return nil
}

// FindByID loads one journal row.
func (j *TransactionJournal) FindByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	return j.repo.FindTransactionByID(ctx, transactionID)
}

// FindByReference loads every leg sharing referenceID, ordered by id.
func (j *TransactionJournal) FindByReference(ctx context.Context, referenceID uuid.UUID) ([]domain.Transaction, error) {
	legs, err := j.repo.FindTransactionsByReferenceID(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, ErrTransactionNotFound
	}
	return legs, nil
}

// FindByOwner pages through every row on the customer's accounts, newest first.
func (j *TransactionJournal) FindByOwner(ctx context.Context, customerID uuid.UUID, page, size int) (*domain.HistoryPage, error) {
	page, size, err := normalizePage(page, size)
	if err != nil {
		return nil, err
	}
	items, err := j.repo.FindTransactionsByCustomerID(ctx, customerID, size, page*size)
	if err != nil {
		return nil, err
	}
	return &domain.HistoryPage{Items: nonNil(items), Page: page, Size: size}, nil
}

// FindByAccounts pages through rows on the given accounts, newest first.
func (j *TransactionJournal) FindByAccounts(ctx context.Context, accountIDs []uuid.UUID, page, size int) (*domain.HistoryPage, error) {
	page, size, err := normalizePage(page, size)
	if err != nil {
		return nil, err
	}
	if len(accountIDs) == 0 {
		return &domain.HistoryPage{Items: []domain.Transaction{}, Page: page, Size: size}, nil
	}
	items, err := j.repo.FindTransactionsByAccountIDs(ctx, accountIDs, size, page*size)
	if err != nil {
		return nil, err
	}
	return &domain.HistoryPage{Items: nonNil(items), Page: page, Size: size}, nil
}

// normalizePage applies the size defaults and rejects pages whose offset does not fit an int.
func normalizePage(page, size int) (int, int, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultHistoryPageSize
	}
	if size > maxHistoryPageSize {
		size = maxHistoryPageSize
	}
	if page > math.MaxInt32/size {
		return 0, 0, fmt.Errorf("%w: page %d is out of range", ErrInvalidRequest, page)
	}
	return page, size, nil
}

func nonNil(items []domain.Transaction) []domain.Transaction {
	if items == nil {
		return []domain.Transaction{}
	}
	return items
}

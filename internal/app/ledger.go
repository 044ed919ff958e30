/**
 * @description
 * AccountLedger owns balance reads and mutations. Every mutation goes through a store.LedgerTx
 * whose account row was locked with LockAccounts, so a sufficiency check and the write that
 * follows it are always covered by the same lock.
 *
 * @notes
 * - Multiple accounts are always locked in ascending account-number order.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// Money columns are NUMERIC(19,2).
var (
	maxAccountBalance    = decimal.RequireFromString("99999999999999999.99")
	maxTransactionAmount = decimal.New(1, 15)
)

// AccountLedger applies balance changes to locked account rows.
type AccountLedger struct {
	repo store.Repository
}

func NewAccountLedger(repo store.Repository) *AccountLedger {
	return &AccountLedger{repo: repo}
}

// ResolveByNumber loads an account owned by ownerCustomerID. An account owned by someone else
// is reported as not found.
func (l *AccountLedger) ResolveByNumber(ctx context.Context, accountNumber int64, ownerCustomerID uuid.UUID) (*domain.Account, error) {
	account, err := l.repo.FindAccountByNumber(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	if account.CustomerID != ownerCustomerID {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

// ResolveCounterparty loads an account by number alone, for the receiving side of a transfer.
func (l *AccountLedger) ResolveCounterparty(ctx context.Context, accountNumber int64) (*domain.Account, error) {
	account, err := l.repo.FindAccountByNumber(ctx, accountNumber)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrReceiverNotFound
		}
		return nil, err
	}
	return account, nil
}

// LockAccounts locks every distinct account number in ascending order and returns the locked rows.
func (l *AccountLedger) LockAccounts(ctx context.Context, tx store.LedgerTx, accountNumbers ...int64) (map[int64]*domain.Account, error) {
	ordered := make([]int64, 0, len(accountNumbers))
	seen := make(map[int64]struct{}, len(accountNumbers))
	for _, number := range accountNumbers {
		if _, dup := seen[number]; dup {
			continue
		}
		seen[number] = struct{}{}
		ordered = append(ordered, number)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	locked := make(map[int64]*domain.Account, len(ordered))
	for _, number := range ordered {
		account, err := tx.LockAccount(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("lock account %d: %w", number, err)
		}
		locked[number] = account
	}
	return locked, nil
}

// Debit subtracts amount from a locked account and returns the new balance.
func (l *AccountLedger) Debit(ctx context.Context, tx store.LedgerTx, account *domain.Account, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	if !account.IsActive() {
		return decimal.Zero, ErrAccountInactive
	}
	if account.Balance.LessThan(amount) {
		return decimal.Zero, ErrInsufficientBalance
	}
	next := account.Balance.Sub(amount)
	if err := tx.UpdateAccountBalance(ctx, account.ID, next); err != nil {
		return decimal.Zero, err
	}
	account.Balance = next
	return next, nil
}

// Credit adds amount to a locked account and returns the new balance.
func (l *AccountLedger) Credit(ctx context.Context, tx store.LedgerTx, account *domain.Account, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	if err := l.CheckCredit(account, amount); err != nil {
		return decimal.Zero, err
	}
	next := account.Balance.Add(amount)
	if err := tx.UpdateAccountBalance(ctx, account.ID, next); err != nil {
		return decimal.Zero, err
	}
	account.Balance = next
	return next, nil
}

// ValidateAmount rejects non-positive amounts and sub-paisa precision.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(maxTransactionAmount) {
		return ErrAmountTooLarge
	}
	return nil
}

// CheckCredit reports whether account can take amount without leaving ACTIVE rules or
// the balance column range.
func (l *AccountLedger) CheckCredit(account *domain.Account, amount decimal.Decimal) error {
	if !account.IsActive() {
		return ErrAccountInactive
	}
	if account.Balance.Add(amount).GreaterThan(maxAccountBalance) {
		return ErrBalanceLimitExceeded
	}
	return nil
}

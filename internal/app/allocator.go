package app

import (
	"context"
	"fmt"
	"math"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// AccountNumberAllocator composes bank-scoped account numbers from a persisted sequence.
type AccountNumberAllocator struct {
	repo store.Repository
}

func NewAccountNumberAllocator(repo store.Repository) *AccountNumberAllocator {
	return &AccountNumberAllocator{repo: repo}
}

// Generate returns bankID*AccountNumberBankFactor + next sequence value. Sequence values are
// never reused, even when the caller later fails to create the account.
func (a *AccountNumberAllocator) Generate(ctx context.Context, bankID int64) (int64, error) {
	if bankID <= 0 || bankID > math.MaxInt64/domain.AccountNumberBankFactor-1 {
		return 0, ErrInvalidBankID
	}

	counter, err := a.repo.NextAccountSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("next account sequence: %w", err)
	}
	if counter <= 0 || counter >= domain.AccountNumberBankFactor {
		return 0, ErrAccountNumberSpaceExhausted
	}

	return bankID*domain.AccountNumberBankFactor + counter, nil
}

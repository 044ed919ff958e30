package app

import (
	"context"
	"errors"
	"testing"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

type sequenceRepo struct {
	store.Repository
	next int64
	err  error
}

func (r *sequenceRepo) NextAccountSequence(ctx context.Context) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.next++
	return r.next, nil
}

func TestAccountNumberAllocator_Generate(t *testing.T) {
	allocator := NewAccountNumberAllocator(&sequenceRepo{next: 41})

	number, err := allocator.Generate(context.Background(), 7)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if number != 7_000_000_042 {
		t.Fatalf("unexpected account number %d", number)
	}
	if domain.BankIDFromAccountNumber(number) != 7 {
		t.Fatalf("bank id not recoverable from %d", number)
	}
}

func TestAccountNumberAllocator_Errors(t *testing.T) {
	tests := []struct {
		name   string
		repo   *sequenceRepo
		bankID int64
		want   error
	}{
		{name: "zero bank", repo: &sequenceRepo{}, bankID: 0, want: ErrInvalidBankID},
		{name: "negative bank", repo: &sequenceRepo{}, bankID: -3, want: ErrInvalidBankID},
		{name: "bank overflows", repo: &sequenceRepo{}, bankID: 9_300_000_000, want: ErrInvalidBankID},
		{name: "counter exhausted", repo: &sequenceRepo{next: domain.AccountNumberBankFactor - 1}, bankID: 1, want: ErrAccountNumberSpaceExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAccountNumberAllocator(tt.repo).Generate(context.Background(), tt.bankID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAccountNumberAllocator_SequenceErrorIsWrapped(t *testing.T) {
	boom := errors.New("sequence unavailable")
	_, err := NewAccountNumberAllocator(&sequenceRepo{err: boom}).Generate(context.Background(), 1)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped sequence error, got %v", err)
	}
}

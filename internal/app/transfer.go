package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// TransferCoordinator stages a transfer as two PENDING legs sharing one reference id.
// Balances move only when ConfirmationWorkflow applies the debit leg.
type TransferCoordinator struct {
	repo    store.Repository
	ledger  *AccountLedger
	journal *TransactionJournal
	otp     *OtpService
}

func NewTransferCoordinator(repo store.Repository, ledger *AccountLedger, journal *TransactionJournal, otp *OtpService) *TransferCoordinator {
	return &TransferCoordinator{repo: repo, ledger: ledger, journal: journal, otp: otp}
}

// Stage validates the request, writes both legs and the OTP challenge in one commit, then mails the code.
func (c *TransferCoordinator) Stage(ctx context.Context, email string, req domain.TransferRequest) (*domain.StagedTransfer, error) {
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.FromAccountNumber == req.ToAccountNumber {
		return nil, ErrSameAccount
	}
	if !pinPattern.MatchString(req.PIN) {
		return nil, ErrInvalidPINFormat
	}

	customer, err := c.repo.FindCustomerByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrCustomerNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	sender, err := c.ledger.ResolveByNumber(ctx, req.FromAccountNumber, customer.ID)
	if err != nil {
		return nil, err
	}
	receiver, err := c.ledger.ResolveCounterparty(ctx, req.ToAccountNumber)
	if err != nil {
		return nil, err
	}
	if err := VerifyPIN(sender.PINHash, req.PIN); err != nil {
		return nil, err
	}
	if !receiver.IsActive() {
		return nil, fmt.Errorf("receiver %w", ErrAccountInactive)
	}

	referenceID := uuid.New()
	var (
		debitLeg  *domain.Transaction
		challenge *domain.OtpChallenge
	)
	err = c.repo.WithinTx(ctx, func(tx store.LedgerTx) error {
		// Only the sender is locked here; the receiver balance is not read for any decision.
		locked, err := c.ledger.LockAccounts(ctx, tx, sender.AccountNumber)
		if err != nil {
			return err
		}
		current := locked[sender.AccountNumber]
		if !current.IsActive() {
			return ErrAccountInactive
		}
		if current.Balance.LessThan(req.Amount) {
			return ErrInsufficientBalance
		}

		toNumber, fromNumber := receiver.AccountNumber, sender.AccountNumber
		debitLeg = &domain.Transaction{
			AccountID:                 sender.ID,
			AccountNumber:             sender.AccountNumber,
			BankID:                    sender.BankID,
			MovementKind:              domain.MovementDebit,
			OperationKind:             domain.OperationTransfer,
			Amount:                    req.Amount,
			Status:                    domain.StatusPending,
			ReferenceID:               &referenceID,
			CounterpartyAccountNumber: &toNumber,
		}
		creditLeg := &domain.Transaction{
			AccountID:                 receiver.ID,
			AccountNumber:             receiver.AccountNumber,
			BankID:                    receiver.BankID,
			MovementKind:              domain.MovementCredit,
			OperationKind:             domain.OperationTransfer,
			Amount:                    req.Amount,
			Status:                    domain.StatusPending,
			ReferenceID:               &referenceID,
			CounterpartyAccountNumber: &fromNumber,
		}
		if _, err := c.journal.Record(ctx, tx, debitLeg); err != nil {
			return err
		}
		if _, err := c.journal.Record(ctx, tx, creditLeg); err != nil {
			return err
		}

		challenge, err = c.otp.Issue(ctx, tx, debitLeg.ID, customer.Email)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.otp.Dispatch(challenge, domain.OperationTransfer, req.Amount.StringFixed(2))
	log.Printf("level=info component=transfer msg=\"transfer staged\" reference_id=%s transaction_id=%s from=%d to=%d amount=%s",
		referenceID, debitLeg.ID, sender.AccountNumber, receiver.AccountNumber, req.Amount.StringFixed(2))

	return &domain.StagedTransfer{
		ReferenceID:       referenceID,
		TransactionID:     debitLeg.ID,
		FromAccountNumber: sender.AccountNumber,
		ToAccountNumber:   receiver.AccountNumber,
		Amount:            req.Amount,
		Status:            domain.StatusPending,
	}, nil
}

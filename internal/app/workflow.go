/**
 * @description
 * ConfirmationWorkflow resolves a staged (PENDING) withdrawal or transfer to SUCCESS or FAILED.
 * SUCCESS applies the deferred balance mutation; FAILED never touches a balance. Each resolution
 * stages its lifecycle event in the same commit, so the notifier only ever hears about outcomes
 * that are durable.
 *
 * @notes
 * - Lock order: the transaction group (by id), then accounts ascending by number.
 * - A business failure discovered under lock (insufficient balance, inactive account) is itself
 *   committed as FAILED; the error is returned after the commit.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// expirySweepGrace keeps the sweep from racing a confirm whose code was accepted just before expiry.
const expirySweepGrace = 30 * time.Second

// ConfirmationWorkflow drives the PENDING -> SUCCESS | FAILED transition.
type ConfirmationWorkflow struct {
	repo      store.Repository
	ledger    *AccountLedger
	journal   *TransactionJournal
	otp       *OtpService
	publisher *EventPublisher
	now       func() time.Time
}

func NewConfirmationWorkflow(repo store.Repository, ledger *AccountLedger, journal *TransactionJournal, otp *OtpService, publisher *EventPublisher, now func() time.Time) *ConfirmationWorkflow {
	if now == nil {
		now = time.Now
	}
	return &ConfirmationWorkflow{
		repo:      repo,
		ledger:    ledger,
		journal:   journal,
		otp:       otp,
		publisher: publisher,
		now:       now,
	}
}

// Confirm verifies code for the caller's staged transaction and applies it.
func (w *ConfirmationWorkflow) Confirm(ctx context.Context, email string, transactionID uuid.UUID, code string) (*domain.Transaction, error) {
	txn, err := w.journal.FindByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.IsTerminal() {
		return nil, ErrTransactionAlreadyProcessed
	}

	ownerEmail, err := w.ownerEmail(ctx, txn.AccountNumber)
	if err != nil {
		return nil, err
	}
	if ownerEmail != normalizeEmail(email) {
		return nil, ErrUnauthorized
	}

	if err := w.otp.Verify(ctx, transactionID, ownerEmail, code); err != nil {
		if errors.Is(err, ErrChallengeExpired) || errors.Is(err, ErrAttemptsExceeded) {
			if _, _, failErr := w.fail(ctx, transactionID, err.Error()); failErr != nil {
				log.Printf("level=error component=workflow msg=\"failed to finalize transaction after otp failure\" transaction_id=%s err=%v", transactionID, failErr)
			}
		}
		return nil, err
	}

	result, err := w.apply(ctx, txn, ownerEmail)
	if result == nil {
		if !errors.Is(err, ErrTransactionAlreadyProcessed) {
			log.Printf("level=error component=workflow msg=\"apply failed; transaction left pending\" transaction_id=%s err=%v", transactionID, err)
			w.otp.Release(ctx, transactionID)
		}
		return nil, err
	}
	w.otp.Discard(ctx, result.ID)

	if err != nil {
		log.Printf("level=info component=workflow msg=\"transaction failed at confirmation\" transaction_id=%s reason=%q", transactionID, err.Error())
		return result, err
	}
	log.Printf("level=info component=workflow msg=\"transaction confirmed\" transaction_id=%s operation=%s amount=%s", transactionID, result.OperationKind, result.Amount.StringFixed(2))
	return result, nil
}

// Fail resolves a PENDING transaction (and its sibling leg) to FAILED without touching balances.
// Failing a transaction that is already terminal changes nothing and publishes nothing.
func (w *ConfirmationWorkflow) Fail(ctx context.Context, transactionID uuid.UUID, reason string) (*domain.Transaction, error) {
	txn, _, err := w.fail(ctx, transactionID, reason)
	return txn, err
}

// SweepExpired fails staged debits whose OTP window has closed. It returns how many it resolved.
func (w *ConfirmationWorkflow) SweepExpired(ctx context.Context, limit int) (int, error) {
	cutoff := w.now().Add(-w.otp.TTL() - expirySweepGrace)
	ids, err := w.repo.FindStalePendingTransactionIDs(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("find stale pending transactions: %w", err)
	}

	resolved := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		_, changed, err := w.fail(ctx, id, ErrChallengeExpired.Error())
		if err != nil {
			log.Printf("level=warn component=workflow msg=\"expiry sweep could not fail transaction\" transaction_id=%s err=%v", id, err)
			continue
		}
		if changed {
			resolved++
		}
	}
	return resolved, nil
}

func (w *ConfirmationWorkflow) fail(ctx context.Context, transactionID uuid.UUID, reason string) (*domain.Transaction, bool, error) {
	// Resolved before the transaction so the lookup does not need a second pooled connection.
	ownerEmail := w.failRecipient(ctx, transactionID)

	var (
		result  *domain.Transaction
		changed bool
	)
	err := w.repo.WithinTx(ctx, func(tx store.LedgerTx) error {
		result, changed = nil, false

		group, err := tx.LockTransactionGroup(ctx, transactionID)
		if err != nil {
			return err
		}
		debit, _ := splitLegs(group)
		if debit == nil || debit.IsTerminal() {
			result = debit
			return nil
		}

		result, err = w.failGroup(ctx, tx, group, ownerEmail, reason)
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		w.otp.Discard(ctx, result.ID)
		log.Printf("level=info component=workflow msg=\"transaction failed\" transaction_id=%s reason=%q", result.ID, reason)
	}
	return result, changed, nil
}

// apply performs the staged mutation. A nil transaction means nothing was committed. A non-nil
// transaction with a non-nil error means the group was committed as FAILED for that reason.
func (w *ConfirmationWorkflow) apply(ctx context.Context, staged *domain.Transaction, ownerEmail string) (*domain.Transaction, error) {
	counterpartyEmail := ""
	if staged.OperationKind == domain.OperationTransfer && staged.CounterpartyAccountNumber != nil {
		if email, err := w.ownerEmail(ctx, *staged.CounterpartyAccountNumber); err == nil {
			counterpartyEmail = email
		}
	}

	var (
		result  *domain.Transaction
		outcome error
	)
	err := w.repo.WithinTx(ctx, func(tx store.LedgerTx) error {
		result, outcome = nil, nil

		group, err := tx.LockTransactionGroup(ctx, staged.ID)
		if err != nil {
			return err
		}
		debit, credit := splitLegs(group)
		if debit == nil || debit.ID != staged.ID {
			return ErrTransactionNotFound
		}
		if debit.IsTerminal() {
			return ErrTransactionAlreadyProcessed
		}

		numbers := []int64{debit.AccountNumber}
		if debit.OperationKind == domain.OperationTransfer {
			if credit == nil {
				outcome = ErrReceiverNotFound
				result, err = w.failGroup(ctx, tx, group, ownerEmail, outcome.Error())
				return err
			}
			numbers = append(numbers, credit.AccountNumber)
		}

		accounts, err := w.ledger.LockAccounts(ctx, tx, numbers...)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) && credit != nil {
				outcome = ErrReceiverNotFound
				result, err = w.failGroup(ctx, tx, group, ownerEmail, outcome.Error())
				return err
			}
			return err
		}

		sender := accounts[debit.AccountNumber]
		var receiver *domain.Account
		if credit != nil {
			receiver = accounts[credit.AccountNumber]
			if err := w.ledger.CheckCredit(receiver, credit.Amount); err != nil {
				outcome = err
				result, err = w.failGroup(ctx, tx, group, ownerEmail, "receiver: "+outcome.Error())
				return err
			}
		}

		senderBalance, err := w.ledger.Debit(ctx, tx, sender, debit.Amount)
		if err != nil {
			if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrAccountInactive) {
				outcome = err
				result, err = w.failGroup(ctx, tx, group, ownerEmail, outcome.Error())
				return err
			}
			return err
		}

		now := w.now()
		if err := w.settle(ctx, tx, debit, senderBalance, ownerEmail, debitNote(debit), now); err != nil {
			return err
		}

		if credit != nil {
			receiverBalance, err := w.ledger.Credit(ctx, tx, receiver, credit.Amount)
			if err != nil {
				return err
			}
			if err := w.settle(ctx, tx, credit, receiverBalance, counterpartyEmail, creditNote(credit), now); err != nil {
				return err
			}
		}

		result = debit
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, outcome
}

// settle finalizes one leg as SUCCESS and stages its event.
func (w *ConfirmationWorkflow) settle(ctx context.Context, tx store.LedgerTx, leg *domain.Transaction, closing decimal.Decimal, ownerEmail, note string, now time.Time) error {
	if err := w.journal.Finalize(ctx, tx, leg.ID, domain.StatusSuccess, &closing, ""); err != nil {
		return err
	}
	leg.Status = domain.StatusSuccess
	leg.ClosingBalance = &closing
	leg.UpdatedAt = now

	if ownerEmail == "" {
		log.Printf("level=warn component=workflow msg=\"no owner email; success event skipped\" transaction_id=%s", leg.ID)
		return nil
	}
	return w.publisher.Publish(ctx, tx, lifecycleEvent(leg, ownerEmail, note, now))
}

// failGroup marks every PENDING row in group FAILED and stages one event for the debit leg owner.
func (w *ConfirmationWorkflow) failGroup(ctx context.Context, tx store.LedgerTx, group []domain.Transaction, ownerEmail, reason string) (*domain.Transaction, error) {
	now := w.now()
	var debit *domain.Transaction
	for i := range group {
		row := &group[i]
		if row.IsTerminal() {
			continue
		}
		if err := w.journal.Finalize(ctx, tx, row.ID, domain.StatusFailed, nil, reason); err != nil {
			return nil, err
		}
		row.Status = domain.StatusFailed
		row.ClosingBalance = nil
		failure := store.TruncateReason(reason)
		row.FailureReason = &failure
		row.UpdatedAt = now
		if row.MovementKind == domain.MovementDebit {
			debit = row
		}
	}
	if debit == nil {
		return nil, fmt.Errorf("fail transaction group: no pending debit leg")
	}
	if ownerEmail == "" {
		return debit, nil
	}
	if err := w.publisher.Publish(ctx, tx, lifecycleEvent(debit, ownerEmail, reason, now)); err != nil {
		return nil, err
	}
	return debit, nil
}

func (w *ConfirmationWorkflow) ownerEmail(ctx context.Context, accountNumber int64) (string, error) {
	account, err := w.repo.FindAccountByNumber(ctx, accountNumber)
	if err != nil {
		return "", err
	}
	customer, err := w.repo.FindCustomerByID(ctx, account.CustomerID)
	if err != nil {
		return "", err
	}
	return normalizeEmail(customer.Email), nil
}

// failRecipient finds the owner of the debit leg in transactionID's group. An empty result
// leaves the failure event without a recipient.
func (w *ConfirmationWorkflow) failRecipient(ctx context.Context, transactionID uuid.UUID) string {
	txn, err := w.journal.FindByID(ctx, transactionID)
	if err != nil {
		return ""
	}
	if txn.MovementKind != domain.MovementDebit && txn.ReferenceID != nil {
		if legs, err := w.journal.FindByReference(ctx, *txn.ReferenceID); err == nil {
			if debit, _ := splitLegs(legs); debit != nil {
				txn = debit
			}
		}
	}
	email, err := w.ownerEmail(ctx, txn.AccountNumber)
	if err != nil {
		log.Printf("level=warn component=workflow msg=\"owner lookup failed; failure event has no recipient\" transaction_id=%s err=%v", transactionID, err)
		return ""
	}
	return email
}

func splitLegs(group []domain.Transaction) (debit *domain.Transaction, credit *domain.Transaction) {
	for i := range group {
		switch group[i].MovementKind {
		case domain.MovementDebit:
			debit = &group[i]
		case domain.MovementCredit:
			credit = &group[i]
		}
	}
	return debit, credit
}

func debitNote(txn *domain.Transaction) string {
	if txn.OperationKind == domain.OperationTransfer && txn.CounterpartyAccountNumber != nil {
		return fmt.Sprintf("Transfer to account %d completed", *txn.CounterpartyAccountNumber)
	}
	return "Withdrawal completed"
}

func creditNote(txn *domain.Transaction) string {
	if txn.CounterpartyAccountNumber != nil {
		return fmt.Sprintf("Transfer from account %d received", *txn.CounterpartyAccountNumber)
	}
	return "Funds received"
}

package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/internal/store/memory"
	"github.com/transfa/ledger-service/pkg/bankclient"
)

var errConnReset = errors.New("connection reset by peer")

// flakyTxRepo fails the next failTx database transactions before they start.
type flakyTxRepo struct {
	*memory.Repository
	failTx atomic.Int32
}

func (r *flakyTxRepo) WithinTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	if r.failTx.Add(-1) >= 0 {
		return errConnReset
	}
	return r.Repository.WithinTx(ctx, fn)
}

func TestConfirm_UncommittedApplyKeepsCodeUsable(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "5000")

	staged, err := f.svc.Withdraw(ctx, "alice@example.com", domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "2000"), PIN: testPIN})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	code := f.otpCode(t, staged.ID, "alice@example.com")

	repo := &flakyTxRepo{Repository: f.repo}
	repo.failTx.Store(1)
	svc := NewService(repo, f.mailer, bankclient.NewStaticDirectory(nil), nil, Options{Now: f.clock.Now})
	t.Cleanup(svc.OTP().WaitForDispatch)

	req := domain.ConfirmRequest{TransactionID: staged.ID, OTP: code}
	if _, err := svc.Confirm(ctx, "alice@example.com", req); !errors.Is(err, errConnReset) {
		t.Fatalf("expected the connection error, got %v", err)
	}
	if got := f.transaction(t, staged.ID).Status; got != domain.StatusPending {
		t.Fatalf("expected PENDING after an uncommitted confirm, got %s", got)
	}
	assertBalance(t, f, account.AccountNumber, "5000")

	confirmed, err := svc.Confirm(ctx, "alice@example.com", req)
	if err != nil {
		t.Fatalf("retry with the same code: %v", err)
	}
	if confirmed.Status != domain.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", confirmed.Status)
	}
	assertBalance(t, f, account.AccountNumber, "3000")
	if n := f.eventsFor(t, staged.ID, domain.StatusSuccess); n != 1 {
		t.Fatalf("expected one SUCCESS event, got %d", n)
	}
}

func TestFail_SecondFailKeepsFirstReason(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "5000")
	staged, err := f.svc.Withdraw(ctx, "alice@example.com", domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "100"), PIN: testPIN})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	workflow := f.svc.Workflow()
	if _, err := workflow.Fail(ctx, staged.ID, "customer cancelled"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	txn, err := workflow.Fail(ctx, staged.ID, "second attempt")
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if !txn.IsTerminal() || *txn.FailureReason != "customer cancelled" {
		t.Fatalf("second fail must not rewrite the row: %+v", txn)
	}
	if n := f.eventsFor(t, staged.ID, domain.StatusFailed); n != 1 {
		t.Fatalf("expected exactly one FAILED event, got %d", n)
	}
}

// lookupTrackingRepo counts account and customer reads issued while a database transaction is open.
type lookupTrackingRepo struct {
	*memory.Repository
	inTx        atomic.Bool
	lookupsInTx atomic.Int32
}

func (r *lookupTrackingRepo) WithinTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	return r.Repository.WithinTx(ctx, func(tx store.LedgerTx) error {
		r.inTx.Store(true)
		defer r.inTx.Store(false)
		return fn(tx)
	})
}

func (r *lookupTrackingRepo) FindAccountByNumber(ctx context.Context, accountNumber int64) (*domain.Account, error) {
	if r.inTx.Load() {
		r.lookupsInTx.Add(1)
	}
	return r.Repository.FindAccountByNumber(ctx, accountNumber)
}

func (r *lookupTrackingRepo) FindCustomerByID(ctx context.Context, customerID uuid.UUID) (*domain.Customer, error) {
	if r.inTx.Load() {
		r.lookupsInTx.Add(1)
	}
	return r.Repository.FindCustomerByID(ctx, customerID)
}

func TestFail_ResolvesRecipientOutsideTransaction(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	a := f.openAccount(t, "alice@example.com", "5000")
	b := f.openAccount(t, "bob@example.com", "0")
	staged, err := f.svc.Transfer(ctx, "alice@example.com", domain.TransferRequest{
		FromAccountNumber: a.AccountNumber,
		ToAccountNumber:   b.AccountNumber,
		Amount:            mustDecimal(t, "300"),
		PIN:               testPIN,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	legs, err := f.svc.journal.FindByReference(ctx, staged.ReferenceID)
	if err != nil {
		t.Fatalf("find legs: %v", err)
	}
	_, credit := splitLegs(legs)

	repo := &lookupTrackingRepo{Repository: f.repo}
	svc := NewService(repo, f.mailer, bankclient.NewStaticDirectory(nil), nil, Options{Now: f.clock.Now})
	t.Cleanup(svc.OTP().WaitForDispatch)

	if _, err := svc.Workflow().Fail(ctx, credit.ID, "cancelled"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if n := repo.lookupsInTx.Load(); n != 0 {
		t.Fatalf("expected no owner lookups inside the transaction, got %d", n)
	}

	var failed []domain.TransactionLifecycleEvent
	for _, event := range f.events(t) {
		if event.FinalStatus == domain.StatusFailed {
			failed = append(failed, event)
		}
	}
	if len(failed) != 1 || failed[0].TransactionID != staged.TransactionID || failed[0].OwnerEmail != "alice@example.com" {
		t.Fatalf("expected one FAILED event for the sender, got %+v", failed)
	}
	for _, leg := range []uuid.UUID{staged.TransactionID, credit.ID} {
		if got := f.transaction(t, leg).Status; got != domain.StatusFailed {
			t.Fatalf("leg %s: expected FAILED, got %s", leg, got)
		}
	}
}

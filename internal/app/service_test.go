package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

func TestDeposit_ConcurrentDepositsAccumulate(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "0")

	first, err := f.svc.Deposit(ctx, "alice@example.com", domain.DepositRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "5000")})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if first.Status != domain.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", first.Status)
	}
	if first.ClosingBalance == nil || !first.ClosingBalance.Equal(mustDecimal(t, "5000")) {
		t.Fatalf("expected closing balance 5000, got %v", first.ClosingBalance)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, amount := range []string{"2000", "1500"} {
		wg.Add(1)
		go func(amount string) {
			defer wg.Done()
			_, err := f.svc.Deposit(ctx, "alice@example.com", domain.DepositRequest{AccountNumber: account.AccountNumber, Amount: decimal.RequireFromString(amount)})
			errs <- err
		}(amount)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent deposit: %v", err)
		}
	}

	assertBalance(t, f, account.AccountNumber, "8500")
	if got := f.eventsFor(t, first.ID, domain.StatusSuccess); got != 1 {
		t.Fatalf("expected one SUCCESS event for the deposit, got %d", got)
	}
}

func TestDeposit_RejectsInvalidAmounts(t *testing.T) {
	f := newLedgerFixture(t)
	account := f.openAccount(t, "alice@example.com", "0")

	for _, amount := range []string{"0", "-10", "10.005"} {
		_, err := f.svc.Deposit(context.Background(), "alice@example.com", domain.DepositRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, amount)})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	assertBalance(t, f, account.AccountNumber, "0")
}

func TestDeposit_RequiresOwnership(t *testing.T) {
	f := newLedgerFixture(t)
	account := f.openAccount(t, "alice@example.com", "0")
	f.openAccount(t, "mallory@example.com", "0")

	_, err := f.svc.Deposit(context.Background(), "mallory@example.com", domain.DepositRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "10")})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestWithdraw_StagesThenConfirms(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "5000")

	staged, err := f.svc.Withdraw(ctx, "alice@example.com", domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "2000"), PIN: testPIN})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if staged.Status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", staged.Status)
	}
	assertBalance(t, f, account.AccountNumber, "5000")

	code := f.otpCode(t, staged.ID, "alice@example.com")
	confirmed, err := f.svc.Confirm(ctx, "Alice@Example.com", domain.ConfirmRequest{TransactionID: staged.ID, OTP: code})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != domain.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", confirmed.Status)
	}
	if confirmed.ClosingBalance == nil || !confirmed.ClosingBalance.Equal(mustDecimal(t, "3000")) {
		t.Fatalf("expected closing balance 3000, got %v", confirmed.ClosingBalance)
	}
	assertBalance(t, f, account.AccountNumber, "3000")

	if got := f.eventsFor(t, staged.ID, domain.StatusSuccess); got != 1 {
		t.Fatalf("expected one SUCCESS event, got %d", got)
	}
	if _, err := f.repo.FindActiveOtpChallenge(ctx, staged.ID, "alice@example.com"); err == nil {
		t.Fatal("expected challenge to be removed after success")
	}

	f.svc.OTP().WaitForDispatch()
	if recipients := f.mailer.recipients(); len(recipients) != 1 || recipients[0] != "alice@example.com" {
		t.Fatalf("expected one OTP mail to alice, got %v", recipients)
	}
}

func TestWithdraw_ThreeWrongCodesFailTransaction(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "5000")

	staged, err := f.svc.Withdraw(ctx, "alice@example.com", domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "2000"), PIN: testPIN})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	bad := wrongCode(f.otpCode(t, staged.ID, "alice@example.com"))

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := f.svc.Confirm(ctx, "alice@example.com", domain.ConfirmRequest{TransactionID: staged.ID, OTP: bad})
		if !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", attempt, err)
		}
		if status := f.transaction(t, staged.ID).Status; status != domain.StatusPending {
			t.Fatalf("attempt %d: expected PENDING, got %s", attempt, status)
		}
	}

	_, err = f.svc.Confirm(ctx, "alice@example.com", domain.ConfirmRequest{TransactionID: staged.ID, OTP: bad})
	if !errors.Is(err, ErrAttemptsExceeded) {
		t.Fatalf("third attempt: expected ErrAttemptsExceeded, got %v", err)
	}

	txn := f.transaction(t, staged.ID)
	if txn.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", txn.Status)
	}
	assertBalance(t, f, account.AccountNumber, "5000")
	if got := f.eventsFor(t, staged.ID, domain.StatusFailed); got != 1 {
		t.Fatalf("expected exactly one FAILED event, got %d", got)
	}
	if _, err := f.repo.FindActiveOtpChallenge(ctx, staged.ID, "alice@example.com"); err == nil {
		t.Fatal("exhausted challenge must no longer exist")
	}

	_, err = f.svc.Confirm(ctx, "alice@example.com", domain.ConfirmRequest{TransactionID: staged.ID, OTP: bad})
	if !errors.Is(err, ErrTransactionAlreadyProcessed) {
		t.Fatalf("expected ErrTransactionAlreadyProcessed after failure, got %v", err)
	}
}

func TestWithdraw_ExpiredCodeFailsTransaction(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "5000")

	staged, err := f.svc.Withdraw(ctx, "alice@example.com", domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "100"), PIN: testPIN})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	code := f.otpCode(t, staged.ID, "alice@example.com")

	f.clock.Advance(5*time.Minute + time.Second)

	_, err = f.svc.Confirm(ctx, "alice@example.com", domain.ConfirmRequest{TransactionID: staged.ID, OTP: code})
	if !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
	if status := f.transaction(t, staged.ID).Status; status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	assertBalance(t, f, account.AccountNumber, "5000")
	if got := f.eventsFor(t, staged.ID, domain.StatusFailed); got != 1 {
		t.Fatalf("expected one FAILED event, got %d", got)
	}
}

func TestWithdraw_ValidationHappensBeforeStaging(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "100")

	tests := []struct {
		name string
		req  domain.WithdrawRequest
		want error
	}{
		{name: "wrong pin", req: domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "10"), PIN: "9999"}, want: ErrWrongPin},
		{name: "malformed pin", req: domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "10"), PIN: "12ab"}, want: ErrInvalidPINFormat},
		{name: "insufficient", req: domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "100.01"), PIN: testPIN}, want: ErrInsufficientBalance},
		{name: "unknown account", req: domain.WithdrawRequest{AccountNumber: account.AccountNumber + 1, Amount: mustDecimal(t, "10"), PIN: testPIN}, want: ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Withdraw(ctx, "alice@example.com", tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	page, err := f.svc.History(ctx, "alice@example.com", nil, 0, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected only the opening deposit in the journal, got %d rows", len(page.Items))
	}
}

func TestConfirm_RejectsNonOwner(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "500")
	f.openAccount(t, "mallory@example.com", "0")

	staged, err := f.svc.Withdraw(ctx, "alice@example.com", domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "100"), PIN: testPIN})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	code := f.otpCode(t, staged.ID, "alice@example.com")

	_, err = f.svc.Confirm(ctx, "mallory@example.com", domain.ConfirmRequest{TransactionID: staged.ID, OTP: code})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if status := f.transaction(t, staged.ID).Status; status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", status)
	}
}

func TestConfirm_ReconfirmIsRejectedAndDoesNotMutate(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "5000")

	staged, err := f.svc.Withdraw(ctx, "alice@example.com", domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "2000"), PIN: testPIN})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	code := f.otpCode(t, staged.ID, "alice@example.com")
	if _, err := f.svc.Confirm(ctx, "alice@example.com", domain.ConfirmRequest{TransactionID: staged.ID, OTP: code}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := f.svc.Confirm(ctx, "alice@example.com", domain.ConfirmRequest{TransactionID: staged.ID, OTP: code})
		if !errors.Is(err, ErrTransactionAlreadyProcessed) {
			t.Fatalf("expected ErrTransactionAlreadyProcessed, got %v", err)
		}
	}
	assertBalance(t, f, account.AccountNumber, "3000")
	if got := f.eventsFor(t, staged.ID, domain.StatusSuccess); got != 1 {
		t.Fatalf("expected one SUCCESS event, got %d", got)
	}
}

func TestConfirm_InsufficientBalanceAtConfirmationFails(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "5000")

	first, err := f.svc.Withdraw(ctx, "alice@example.com", domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "4000"), PIN: testPIN})
	if err != nil {
		t.Fatalf("first withdraw: %v", err)
	}
	second, err := f.svc.Withdraw(ctx, "alice@example.com", domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "4000"), PIN: testPIN})
	if err != nil {
		t.Fatalf("second withdraw: %v", err)
	}

	if _, err := f.svc.Confirm(ctx, "alice@example.com", domain.ConfirmRequest{TransactionID: first.ID, OTP: f.otpCode(t, first.ID, "alice@example.com")}); err != nil {
		t.Fatalf("confirm first: %v", err)
	}

	result, err := f.svc.Confirm(ctx, "alice@example.com", domain.ConfirmRequest{TransactionID: second.ID, OTP: f.otpCode(t, second.ID, "alice@example.com")})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if result == nil || result.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED result, got %+v", result)
	}
	assertBalance(t, f, account.AccountNumber, "1000")
	if got := f.eventsFor(t, second.ID, domain.StatusFailed); got != 1 {
		t.Fatalf("expected one FAILED event, got %d", got)
	}
}

func TestConfirm_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "1000")

	var pending []domain.ConfirmRequest
	for i := 0; i < 5; i++ {
		txn, err := f.svc.Withdraw(ctx, "alice@example.com", domain.WithdrawRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "300"), PIN: testPIN})
		if err != nil {
			t.Fatalf("withdraw %d: %v", i, err)
		}
		pending = append(pending, domain.ConfirmRequest{TransactionID: txn.ID, OTP: f.otpCode(t, txn.ID, "alice@example.com")})
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for _, req := range pending {
		wg.Add(1)
		go func(req domain.ConfirmRequest) {
			defer wg.Done()
			_, err := f.svc.Confirm(ctx, "alice@example.com", req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected confirm error: %v", err)
			}
		}(req)
	}
	wg.Wait()

	if succeeded != 3 || rejected != 2 {
		t.Fatalf("expected 3 successes and 2 rejections, got %d and %d", succeeded, rejected)
	}
	assertBalance(t, f, account.AccountNumber, "100")
}

func TestHistory_PagesNewestFirst(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "0")
	other := f.openAccount(t, "alice@example.com", "0")

	for _, amount := range []string{"10", "20", "30"} {
		f.clock.Advance(time.Second)
		if _, err := f.svc.Deposit(ctx, "alice@example.com", domain.DepositRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, amount)}); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	f.clock.Advance(time.Second)
	if _, err := f.svc.Deposit(ctx, "alice@example.com", domain.DepositRequest{AccountNumber: other.AccountNumber, Amount: mustDecimal(t, "99")}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	number := account.AccountNumber
	page, err := f.svc.History(ctx, "alice@example.com", &number, 0, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Items) != 2 || !page.Items[0].Amount.Equal(mustDecimal(t, "30")) || !page.Items[1].Amount.Equal(mustDecimal(t, "20")) {
		t.Fatalf("unexpected first page %+v", page.Items)
	}

	page, err = f.svc.History(ctx, "alice@example.com", &number, 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Items) != 1 || !page.Items[0].Amount.Equal(mustDecimal(t, "10")) {
		t.Fatalf("unexpected second page %+v", page.Items)
	}

	all, err := f.svc.History(ctx, "alice@example.com", nil, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if all.Size != defaultHistoryPageSize || len(all.Items) != 4 {
		t.Fatalf("expected 4 rows at default size, got %d rows size %d", len(all.Items), all.Size)
	}

	empty, err := f.svc.History(ctx, "nobody@example.com", nil, 0, 10)
	if err != nil || len(empty.Items) != 0 {
		t.Fatalf("expected empty history for unknown caller, got %+v, %v", empty, err)
	}
}

func TestGetTransaction_HidesOtherCustomersRows(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, "alice@example.com", "0")
	f.openAccount(t, "bob@example.com", "0")

	txn, err := f.svc.Deposit(ctx, "alice@example.com", domain.DepositRequest{AccountNumber: account.AccountNumber, Amount: mustDecimal(t, "10")})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if got, err := f.svc.GetTransaction(ctx, "alice@example.com", txn.ID); err != nil || got.ID != txn.ID {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if _, err := f.svc.GetTransaction(ctx, "bob@example.com", txn.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound for non-owner, got %v", err)
	}
}

func TestOpenAccount_EmbedsBankID(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	first, err := f.svc.OpenAccount(ctx, "alice@example.com", domain.OpenAccountRequest{IFSC: "hdfc0000001", FullName: "Alice", PIN: "1234"})
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	second, err := f.svc.OpenAccount(ctx, "alice@example.com", domain.OpenAccountRequest{IFSC: "SBIN0000001", FullName: "Alice", PIN: "1234"})
	if err != nil {
		t.Fatalf("open account: %v", err)
	}

	if domain.BankIDFromAccountNumber(first.AccountNumber) != 2 || domain.BankIDFromAccountNumber(second.AccountNumber) != 1 {
		t.Fatalf("bank id not embedded: %d, %d", first.AccountNumber, second.AccountNumber)
	}
	if first.AccountNumber%domain.AccountNumberBankFactor == second.AccountNumber%domain.AccountNumberBankFactor {
		t.Fatal("counter values must never repeat")
	}
	if !first.Balance.IsZero() || first.Status != domain.AccountStatusActive || first.IFSC != "HDFC0000001" {
		t.Fatalf("unexpected new account %+v", first)
	}

	if _, err := f.svc.OpenAccount(ctx, "alice@example.com", domain.OpenAccountRequest{IFSC: "ZZZZ0000001", FullName: "Alice", PIN: "1234"}); !errors.Is(err, ErrBankNotFound) {
		t.Fatalf("expected ErrBankNotFound, got %v", err)
	}

	accounts, err := f.svc.ListAccounts(ctx, "alice@example.com")
	if err != nil || len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d (%v)", len(accounts), err)
	}
}

type limiterStub struct {
	count int
	retry int
	err   error
}

func (s *limiterStub) ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (int, int, error) {
	s.count++
	return s.count, s.retry, s.err
}

func TestConfirm_RateLimited(t *testing.T) {
	f := newLedgerFixture(t)
	limiter := &limiterStub{retry: 42}
	svc := NewService(f.repo, f.mailer, nil, limiter, Options{Now: f.clock.Now, ConfirmRateLimitPerMinute: 1})

	req := domain.ConfirmRequest{OTP: "1234"}
	if _, err := svc.Confirm(context.Background(), "alice@example.com", req); errors.Is(err, ErrRateLimited) {
		t.Fatal("first confirm should not be rate limited")
	}

	_, err := svc.Confirm(context.Background(), "alice@example.com", req)
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateErr.RetryAfterSeconds != 42 {
		t.Fatalf("expected retry after 42, got %d", rateErr.RetryAfterSeconds)
	}
}

package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store/memory"
	"github.com/transfa/ledger-service/pkg/bankclient"
)

const testPIN = "4321"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *recordingMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to)
	return nil
}

func (m *recordingMailer) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type ledgerFixture struct {
	svc    *Service
	repo   *memory.Repository
	clock  *testClock
	mailer *recordingMailer
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	clock := newTestClock()
	repo := memory.NewRepository()
	repo.SetClock(clock.Now)
	mailer := &recordingMailer{}
	svc := NewService(repo, mailer, bankclient.NewStaticDirectory(nil), nil, Options{Now: clock.Now})
	t.Cleanup(svc.OTP().WaitForDispatch)
	return &ledgerFixture{svc: svc, repo: repo, clock: clock, mailer: mailer}
}

// openAccount opens an account for email and deposits opening if it is positive.
func (f *ledgerFixture) openAccount(t *testing.T, email string, opening string) *domain.Account {
	t.Helper()
	ctx := context.Background()
	account, err := f.svc.OpenAccount(ctx, email, domain.OpenAccountRequest{IFSC: "SBIN0001234", FullName: "Test Customer", PIN: testPIN})
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	amount := decimal.RequireFromString(opening)
	if amount.IsPositive() {
		if _, err := f.svc.Deposit(ctx, email, domain.DepositRequest{AccountNumber: account.AccountNumber, Amount: amount}); err != nil {
			t.Fatalf("opening deposit: %v", err)
		}
	}
	return account
}

func (f *ledgerFixture) balance(t *testing.T, accountNumber int64) decimal.Decimal {
	t.Helper()
	account, err := f.repo.FindAccountByNumber(context.Background(), accountNumber)
	if err != nil {
		t.Fatalf("find account %d: %v", accountNumber, err)
	}
	return account.Balance
}

func (f *ledgerFixture) transaction(t *testing.T, id uuid.UUID) *domain.Transaction {
	t.Helper()
	txn, err := f.repo.FindTransactionByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find transaction %s: %v", id, err)
	}
	return txn
}

func (f *ledgerFixture) otpCode(t *testing.T, transactionID uuid.UUID, email string) string {
	t.Helper()
	challenge, err := f.repo.FindActiveOtpChallenge(context.Background(), transactionID, email)
	if err != nil {
		t.Fatalf("find otp challenge for %s: %v", transactionID, err)
	}
	return challenge.Code
}

func (f *ledgerFixture) events(t *testing.T) []domain.TransactionLifecycleEvent {
	t.Helper()
	var events []domain.TransactionLifecycleEvent
	for _, message := range f.repo.OutboxMessages() {
		var event domain.TransactionLifecycleEvent
		if err := json.Unmarshal(message.Payload, &event); err != nil {
			t.Fatalf("decode outbox payload: %v", err)
		}
		events = append(events, event)
	}
	return events
}

func (f *ledgerFixture) eventsFor(t *testing.T, transactionID uuid.UUID, status string) int {
	t.Helper()
	count := 0
	for _, event := range f.events(t) {
		if event.TransactionID == transactionID && event.FinalStatus == status {
			count++
		}
	}
	return count
}

func wrongCode(code string) string {
	if code == "0000" {
		return "1111"
	}
	return "0000"
}

func mustDecimal(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("invalid decimal %q: %v", value, err)
	}
	return d
}

func assertBalance(t *testing.T, f *ledgerFixture, accountNumber int64, want string) {
	t.Helper()
	got := f.balance(t, accountNumber)
	if !got.Equal(mustDecimal(t, want)) {
		t.Fatalf("account %d: expected balance %s, got %s", accountNumber, want, got.StringFixed(2))
	}
}

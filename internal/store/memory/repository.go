/**
 * @description
 * In-memory implementation of store.Repository for local runs without PostgreSQL and for
 * concurrency tests. It keeps the same locking contract as the PostgreSQL repository: an
 * account or transaction row locked inside WithinTx stays locked until that transaction
 * commits or rolls back, and writes only become visible on commit.
 */
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

var errNegativeBalance = errors.New("balance check violated")

type outboxRow struct {
	message             domain.OutboxMessage
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	publishedAt         time.Time
	lastError           string
}

// Repository is a process-local store.Repository.
type Repository struct {
	mu  sync.Mutex
	now func() time.Time

	customers      map[uuid.UUID]domain.Customer
	customerEmails map[string]uuid.UUID
	accounts       map[int64]*domain.Account
	accountNumbers map[uuid.UUID]int64
	accountLocks   map[int64]*sync.Mutex
	transactions   map[uuid.UUID]*domain.Transaction
	insertOrder    map[uuid.UUID]int64
	txnLocks       map[uuid.UUID]*sync.Mutex
	challenges     map[uuid.UUID]*domain.OtpChallenge
	outbox         []*outboxRow

	sequence     int64
	insertSeq    int64
	nextOutboxID int64
}

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		now:            time.Now,
		customers:      make(map[uuid.UUID]domain.Customer),
		customerEmails: make(map[string]uuid.UUID),
		accounts:       make(map[int64]*domain.Account),
		accountNumbers: make(map[uuid.UUID]int64),
		accountLocks:   make(map[int64]*sync.Mutex),
		transactions:   make(map[uuid.UUID]*domain.Transaction),
		insertOrder:    make(map[uuid.UUID]int64),
		txnLocks:       make(map[uuid.UUID]*sync.Mutex),
		challenges:     make(map[uuid.UUID]*domain.OtpChallenge),
	}
}

// SetClock replaces the time source used for created_at and outbox scheduling.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// OutboxMessages returns every outbox row ever enqueued, in id order.
func (r *Repository) OutboxMessages() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OutboxMessage, 0, len(r.outbox))
	for _, row := range r.outbox {
		out = append(out, row.message)
	}
	return out
}

func (r *Repository) WithinTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	tx := &ledgerTx{
		repo:     r,
		held:     make(map[string]*sync.Mutex),
		balances: make(map[uuid.UUID]decimal.Decimal),
		finals:   make(map[uuid.UUID]store.FinalizeParams),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (r *Repository) UpsertCustomer(ctx context.Context, email string, fullName string) (*domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizeEmail(email)
	if id, ok := r.customerEmails[key]; ok {
		customer := r.customers[id]
		customer.FullName = strings.TrimSpace(fullName)
		r.customers[id] = customer
		return &customer, nil
	}

	customer := domain.Customer{
		ID:        uuid.New(),
		Email:     key,
		FullName:  strings.TrimSpace(fullName),
		CreatedAt: r.now(),
	}
	r.customers[customer.ID] = customer
	r.customerEmails[key] = customer.ID
	return &customer, nil
}

func (r *Repository) FindCustomerByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.customerEmails[normalizeEmail(email)]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	customer := r.customers[id]
	return &customer, nil
}

func (r *Repository) FindCustomerByID(ctx context.Context, customerID uuid.UUID) (*domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	customer, ok := r.customers[customerID]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	return &customer, nil
}

func (r *Repository) NextAccountSequence(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence++
	return r.sequence, nil
}

func (r *Repository) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.accounts[account.AccountNumber]; exists {
		return store.ErrDuplicateAccountNumber
	}
	if _, ok := r.customers[account.CustomerID]; !ok {
		return store.ErrCustomerNotFound
	}
	now := r.now()
	account.CreatedAt = now
	account.UpdatedAt = now
	stored := *account
	r.accounts[account.AccountNumber] = &stored
	r.accountNumbers[account.ID] = account.AccountNumber
	return nil
}

func (r *Repository) FindAccountByNumber(ctx context.Context, accountNumber int64) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountNumber]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (r *Repository) FindAccountsByCustomerID(ctx context.Context, customerID uuid.UUID) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var accounts []domain.Account
	for _, account := range r.accounts {
		if account.CustomerID == customerID {
			accounts = append(accounts, *account)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].AccountNumber < accounts[j].AccountNumber })
	return accounts, nil
}

func (r *Repository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.transactions[transactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	copied := *txn
	return &copied, nil
}

func (r *Repository) FindTransactionsByReferenceID(ctx context.Context, referenceID uuid.UUID) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	legs := []domain.Transaction{}
	for _, txn := range r.transactions {
		if txn.ReferenceID != nil && *txn.ReferenceID == referenceID {
			legs = append(legs, *txn)
		}
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].ID.String() < legs[j].ID.String() })
	return legs, nil
}

func (r *Repository) FindTransactionsByCustomerID(ctx context.Context, customerID uuid.UUID, limit int, offset int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pageLocked(func(txn *domain.Transaction) bool {
		number, ok := r.accountNumbers[txn.AccountID]
		if !ok {
			return false
		}
		return r.accounts[number].CustomerID == customerID
	}, limit, offset), nil
}

func (r *Repository) FindTransactionsByAccountIDs(ctx context.Context, accountIDs []uuid.UUID, limit int, offset int) ([]domain.Transaction, error) {
	wanted := make(map[uuid.UUID]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		wanted[id] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pageLocked(func(txn *domain.Transaction) bool {
		_, ok := wanted[txn.AccountID]
		return ok
	}, limit, offset), nil
}

func (r *Repository) FindStalePendingTransactionIDs(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*domain.Transaction
	for _, txn := range r.transactions {
		if txn.Status == domain.StatusPending && txn.MovementKind == domain.MovementDebit && txn.CreatedAt.Before(createdBefore) {
			candidates = append(candidates, txn)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return r.insertOrder[candidates[i].ID] < r.insertOrder[candidates[j].ID]
	})

	ids := make([]uuid.UUID, 0, limit)
	for _, txn := range candidates {
		if len(ids) == limit {
			break
		}
		ids = append(ids, txn.ID)
	}
	return ids, nil
}

// pageLocked returns matching rows newest first. Callers hold r.mu.
func (r *Repository) pageLocked(match func(*domain.Transaction) bool, limit int, offset int) []domain.Transaction {
	var matched []*domain.Transaction
	for _, txn := range r.transactions {
		if match(txn) {
			matched = append(matched, txn)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return r.insertOrder[matched[i].ID] > r.insertOrder[matched[j].ID]
	})

	items := []domain.Transaction{}
	if offset < 0 || limit <= 0 {
		return items
	}
	for i := offset; i < len(matched) && len(items) < limit; i++ {
		items = append(items, *matched[i])
	}
	return items
}

func (r *Repository) FindActiveOtpChallenge(ctx context.Context, transactionID uuid.UUID, email string) (*domain.OtpChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	challenge, ok := r.challenges[transactionID]
	if !ok || challenge.Verified || challenge.Email != normalizeEmail(email) {
		return nil, store.ErrChallengeNotFound
	}
	copied := *challenge
	return &copied, nil
}

func (r *Repository) IncrementOtpAttempts(ctx context.Context, transactionID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	challenge, ok := r.challenges[transactionID]
	if !ok || challenge.Verified {
		return 0, store.ErrChallengeNotFound
	}
	challenge.Attempts++
	return challenge.Attempts, nil
}

func (r *Repository) MarkOtpVerified(ctx context.Context, transactionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	challenge, ok := r.challenges[transactionID]
	if !ok || challenge.Verified {
		return store.ErrChallengeNotFound
	}
	challenge.Verified = true
	return nil
}

func (r *Repository) ReleaseOtpVerification(ctx context.Context, transactionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if challenge, ok := r.challenges[transactionID]; ok {
		challenge.Verified = false
	}
	return nil
}

func (r *Repository) DeleteOtpChallenge(ctx context.Context, transactionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.challenges, transactionID)
	return nil
}

func (r *Repository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	claimed := make([]domain.OutboxMessage, 0, limit)
	for _, row := range r.outbox {
		if len(claimed) == limit {
			break
		}
		due := row.status == "pending" && !row.nextAttemptAt.After(now)
		stale := row.status == "processing" && row.processingStartedAt.Before(staleBefore)
		if !due && !stale {
			continue
		}
		row.status = "processing"
		row.processingStartedAt = now
		row.message.Attempts++
		claimed = append(claimed, row.message)
	}
	return claimed, nil
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row := r.outboxRowLocked(id); row != nil {
		row.status = "published"
		row.publishedAt = r.now()
		row.lastError = ""
	}
	return nil
}

func (r *Repository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if row := r.outboxRowLocked(id); row != nil {
		row.status = "pending"
		row.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
		row.lastError = store.TruncateReason(reason)
	}
	return nil
}

func (r *Repository) PurgePublishedOutbox(ctx context.Context, publishedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.outbox[:0]
	var purged int64
	for _, row := range r.outbox {
		if row.status == "published" && row.publishedAt.Before(publishedBefore) {
			purged++
			continue
		}
		kept = append(kept, row)
	}
	r.outbox = kept
	return purged, nil
}

func (r *Repository) outboxRowLocked(id int64) *outboxRow {
	for _, row := range r.outbox {
		if row.message.ID == id {
			return row
		}
	}
	return nil
}

func (r *Repository) accountLockLocked(accountNumber int64) *sync.Mutex {
	lock, ok := r.accountLocks[accountNumber]
	if !ok {
		lock = &sync.Mutex{}
		r.accountLocks[accountNumber] = lock
	}
	return lock
}

func (r *Repository) txnLockLocked(transactionID uuid.UUID) *sync.Mutex {
	lock, ok := r.txnLocks[transactionID]
	if !ok {
		lock = &sync.Mutex{}
		r.txnLocks[transactionID] = lock
	}
	return lock
}

type pendingEvent struct {
	exchange   string
	routingKey string
	messageKey string
	payload    []byte
}

// ledgerTx buffers writes until commit and holds row mutexes until release.
type ledgerTx struct {
	repo      *Repository
	held      map[string]*sync.Mutex
	heldOrder []*sync.Mutex

	balances   map[uuid.UUID]decimal.Decimal
	inserts    []domain.Transaction
	finals     map[uuid.UUID]store.FinalizeParams
	challenges []domain.OtpChallenge
	events     []pendingEvent
}

func (t *ledgerTx) acquire(key string, lock *sync.Mutex) {
	if _, ok := t.held[key]; ok {
		return
	}
	lock.Lock()
	t.held[key] = lock
	t.heldOrder = append(t.heldOrder, lock)
}

func (t *ledgerTx) release() {
	for i := len(t.heldOrder) - 1; i >= 0; i-- {
		t.heldOrder[i].Unlock()
	}
	t.heldOrder = nil
	t.held = map[string]*sync.Mutex{}
}

func (t *ledgerTx) LockAccount(ctx context.Context, accountNumber int64) (*domain.Account, error) {
	r := t.repo
	r.mu.Lock()
	if _, ok := r.accounts[accountNumber]; !ok {
		r.mu.Unlock()
		return nil, store.ErrAccountNotFound
	}
	lock := r.accountLockLocked(accountNumber)
	r.mu.Unlock()

	t.acquire(accountKey(accountNumber), lock)

	r.mu.Lock()
	account := *r.accounts[accountNumber]
	r.mu.Unlock()
	if staged, ok := t.balances[account.ID]; ok {
		account.Balance = staged
	}
	return &account, nil
}

func (t *ledgerTx) UpdateAccountBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error {
	r := t.repo
	r.mu.Lock()
	number, ok := r.accountNumbers[accountID]
	r.mu.Unlock()
	if !ok {
		return store.ErrAccountNotFound
	}
	if _, locked := t.held[accountKey(number)]; !locked {
		return fmt.Errorf("update balance: account %d is not locked by this transaction", number)
	}
	t.balances[accountID] = balance
	return nil
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	now := t.repo.clock()
	txn.CreatedAt = now
	txn.UpdatedAt = now
	t.inserts = append(t.inserts, *txn)
	return nil
}

func (t *ledgerTx) LockTransactionGroup(ctx context.Context, transactionID uuid.UUID) ([]domain.Transaction, error) {
	r := t.repo
	r.mu.Lock()
	target, ok := r.transactions[transactionID]
	if !ok {
		r.mu.Unlock()
		return nil, store.ErrTransactionNotFound
	}
	ids := []uuid.UUID{transactionID}
	if target.ReferenceID != nil {
		for id, txn := range r.transactions {
			if id != transactionID && txn.ReferenceID != nil && *txn.ReferenceID == *target.ReferenceID {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	locks := make([]*sync.Mutex, len(ids))
	for i, id := range ids {
		locks[i] = r.txnLockLocked(id)
	}
	r.mu.Unlock()

	for i, id := range ids {
		t.acquire(transactionKey(id), locks[i])
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	group := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		txn := *r.transactions[id]
		if final, staged := t.finals[id]; staged {
			applyFinal(&txn, final, txn.UpdatedAt)
		}
		group = append(group, txn)
	}
	return group, nil
}

func (t *ledgerTx) FinalizeTransaction(ctx context.Context, transactionID uuid.UUID, params store.FinalizeParams) error {
	if _, staged := t.finals[transactionID]; staged {
		return store.ErrTransactionAlreadyProcessed
	}
	for i := range t.inserts {
		if t.inserts[i].ID == transactionID {
			if t.inserts[i].Status != domain.StatusPending {
				return store.ErrTransactionAlreadyProcessed
			}
			applyFinal(&t.inserts[i], params, t.repo.clock())
			return nil
		}
	}

	r := t.repo
	r.mu.Lock()
	txn, ok := r.transactions[transactionID]
	pending := ok && txn.Status == domain.StatusPending
	r.mu.Unlock()
	if !pending {
		return store.ErrTransactionAlreadyProcessed
	}
	t.finals[transactionID] = params
	return nil
}

func (t *ledgerTx) InsertOtpChallenge(ctx context.Context, challenge *domain.OtpChallenge) error {
	challenge.Email = normalizeEmail(challenge.Email)
	challenge.CreatedAt = t.repo.clock()
	t.challenges = append(t.challenges, *challenge)
	return nil
}

func (t *ledgerTx) EnqueueEvent(ctx context.Context, exchange, routingKey, messageKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.events = append(t.events, pendingEvent{
		exchange:   strings.TrimSpace(exchange),
		routingKey: strings.TrimSpace(routingKey),
		messageKey: messageKey,
		payload:    blob,
	})
	return nil
}

// commit validates every buffered write against committed state, then applies them together.
func (t *ledgerTx) commit() error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range t.finals {
		txn, ok := r.transactions[id]
		if !ok || txn.Status != domain.StatusPending {
			return store.ErrTransactionAlreadyProcessed
		}
	}
	for accountID, balance := range t.balances {
		if balance.IsNegative() {
			return fmt.Errorf("account %s: %w", accountID, errNegativeBalance)
		}
	}
	for _, challenge := range t.challenges {
		if _, exists := r.challenges[challenge.TransactionID]; exists {
			return fmt.Errorf("insert otp challenge: duplicate transaction %s", challenge.TransactionID)
		}
	}

	now := r.now()
	for accountID, balance := range t.balances {
		account := r.accounts[r.accountNumbers[accountID]]
		account.Balance = balance
		account.UpdatedAt = now
	}
	for i := range t.inserts {
		stored := t.inserts[i]
		r.insertSeq++
		r.transactions[stored.ID] = &stored
		r.insertOrder[stored.ID] = r.insertSeq
	}
	for id, final := range t.finals {
		applyFinal(r.transactions[id], final, now)
	}
	for i := range t.challenges {
		stored := t.challenges[i]
		r.challenges[stored.TransactionID] = &stored
	}
	for _, event := range t.events {
		r.nextOutboxID++
		r.outbox = append(r.outbox, &outboxRow{
			message: domain.OutboxMessage{
				ID:         r.nextOutboxID,
				Exchange:   event.exchange,
				RoutingKey: event.routingKey,
				MessageKey: event.messageKey,
				Payload:    event.payload,
			},
			status:        "pending",
			nextAttemptAt: now,
		})
	}
	return nil
}

func (r *Repository) clock() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now()
}

func applyFinal(txn *domain.Transaction, final store.FinalizeParams, at time.Time) {
	txn.Status = final.Status
	if final.ClosingBalance != nil {
		closing := *final.ClosingBalance
		txn.ClosingBalance = &closing
	} else {
		txn.ClosingBalance = nil
	}
	if final.FailureReason != nil {
		reason := store.TruncateReason(*final.FailureReason)
		txn.FailureReason = &reason
	}
	txn.UpdatedAt = at
}

func accountKey(accountNumber int64) string {
	return fmt.Sprintf("account:%d", accountNumber)
}

func transactionKey(id uuid.UUID) string {
	return "transaction:" + id.String()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

/**
 * @description
 * PostgreSQL implementation of the Repository interface, built on pgx. Balance mutation goes
 * through `pgLedgerTx`, which locks account rows with `SELECT ... FOR UPDATE` for the lifetime
 * of the surrounding transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 * - github.com/shopspring/decimal: NUMERIC columns are scanned into exact decimals.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

// lockTimeout bounds how long a request waits on a contended account row.
const lockTimeout = "15s"

const transactionColumns = `id, account_id, account_number, bank_id, movement_kind, operation_kind, amount,
	closing_balance, status, reference_id, counterparty_account_number, failure_reason, created_at, updated_at`

const accountColumns = `id, account_number, customer_id, bank_id, ifsc, balance, pin_hash, status, created_at, updated_at`

// PostgresRepository is the PostgreSQL implementation of the Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithinTx runs fn inside a read-committed transaction with a bounded lock wait.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(&pgLedgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpsertCustomer creates the customer for an email or refreshes the stored name.
func (r *PostgresRepository) UpsertCustomer(ctx context.Context, email string, fullName string) (*domain.Customer, error) {
	query := `
		INSERT INTO customers (id, email, full_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (email)
		DO UPDATE SET full_name = EXCLUDED.full_name
		RETURNING id, email, full_name, created_at
	`
	var customer domain.Customer
	err := r.db.QueryRow(ctx, query, uuid.New(), normalizeEmail(email), strings.TrimSpace(fullName)).
		Scan(&customer.ID, &customer.Email, &customer.FullName, &customer.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert customer: %w", err)
	}
	return &customer, nil
}

func (r *PostgresRepository) FindCustomerByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	var customer domain.Customer
	err := r.db.QueryRow(ctx, `SELECT id, email, full_name, created_at FROM customers WHERE email = $1`, normalizeEmail(email)).
		Scan(&customer.ID, &customer.Email, &customer.FullName, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func (r *PostgresRepository) FindCustomerByID(ctx context.Context, customerID uuid.UUID) (*domain.Customer, error) {
	var customer domain.Customer
	err := r.db.QueryRow(ctx, `SELECT id, email, full_name, created_at FROM customers WHERE id = $1`, customerID).
		Scan(&customer.ID, &customer.Email, &customer.FullName, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &customer, nil
}

// NextAccountSequence takes the next value of the persisted account number counter.
// Sequence values are never handed out twice, even when the caller's transaction rolls back.
func (r *PostgresRepository) NextAccountSequence(ctx context.Context) (int64, error) {
	var next int64
	if err := r.db.QueryRow(ctx, `SELECT nextval('account_number_seq')`).Scan(&next); err != nil {
		return 0, fmt.Errorf("next account sequence: %w", err)
	}
	return next, nil
}

func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, account_number, customer_id, bank_id, ifsc, balance, pin_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		account.ID,
		account.AccountNumber,
		account.CustomerID,
		account.BankID,
		account.IFSC,
		account.Balance,
		account.PINHash,
		account.Status,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			log.Printf("level=error component=store msg=\"account number collision\" account_number=%d constraint=%s", account.AccountNumber, pgErr.ConstraintName)
			return ErrDuplicateAccountNumber
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, accountNumber int64) (*domain.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, accountNumber)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (r *PostgresRepository) FindAccountsByCustomerID(ctx context.Context, customerID uuid.UUID) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE customer_id = $1 ORDER BY created_at`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return txn, nil
}

// FindTransactionsByReferenceID returns both legs of a transfer ordered by id.
func (r *PostgresRepository) FindTransactionsByReferenceID(ctx context.Context, referenceID uuid.UUID) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference_id = $1 ORDER BY id`
	rows, err := r.db.Query(ctx, query, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	legs := []domain.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		legs = append(legs, *txn)
	}
	return legs, rows.Err()
}

func (r *PostgresRepository) FindTransactionsByCustomerID(ctx context.Context, customerID uuid.UUID, limit int, offset int) ([]domain.Transaction, error) {
	query := `
		SELECT t.id, t.account_id, t.account_number, t.bank_id, t.movement_kind, t.operation_kind, t.amount,
			t.closing_balance, t.status, t.reference_id, t.counterparty_account_number, t.failure_reason,
			t.created_at, t.updated_at
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.customer_id = $1
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryTransactions(ctx, query, customerID, limit, offset)
}

func (r *PostgresRepository) FindTransactionsByAccountIDs(ctx context.Context, accountIDs []uuid.UUID, limit int, offset int) ([]domain.Transaction, error) {
	if len(accountIDs) == 0 {
		return []domain.Transaction{}, nil
	}
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = ANY($1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryTransactions(ctx, query, accountIDs, limit, offset)
}

// FindStalePendingTransactionIDs returns PENDING rows that carry an OTP challenge (withdrawals
// and transfer debit legs) created before the cutoff, oldest first.
func (r *PostgresRepository) FindStalePendingTransactionIDs(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id
		FROM transactions
		WHERE status = 'PENDING'
		  AND movement_kind = 'DEBIT'
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, limit)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *txn)
	}
	return items, rows.Err()
}

// pgLedgerTx implements LedgerTx over a single pgx transaction.
type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) LockAccount(ctx context.Context, accountNumber int64) (*domain.Account, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = $1 FOR UPDATE`, accountNumber)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock account %d: %w", accountNumber, err)
	}
	return account, nil
}

func (t *pgLedgerTx) UpdateAccountBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`, balance, accountID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgLedgerTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, account_id, account_number, bank_id, movement_kind, operation_kind, amount,
			closing_balance, status, reference_id, counterparty_account_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	err := t.tx.QueryRow(ctx, query,
		txn.ID,
		txn.AccountID,
		txn.AccountNumber,
		txn.BankID,
		txn.MovementKind,
		txn.OperationKind,
		txn.Amount,
		nullableDecimal(txn.ClosingBalance),
		txn.Status,
		txn.ReferenceID,
		txn.CounterpartyAccountNumber,
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) LockTransactionGroup(ctx context.Context, transactionID uuid.UUID) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE id = $1
		   OR reference_id = (SELECT reference_id FROM transactions WHERE id = $1 AND reference_id IS NOT NULL)
		ORDER BY id
		FOR UPDATE
	`
	rows, err := t.tx.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("lock transaction group: %w", err)
	}
	defer rows.Close()

	var group []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		group = append(group, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(group) == 0 {
		return nil, ErrTransactionNotFound
	}
	return group, nil
}

func (t *pgLedgerTx) FinalizeTransaction(ctx context.Context, transactionID uuid.UUID, params FinalizeParams) error {
	var reason *string
	if params.FailureReason != nil {
		truncated := TruncateReason(*params.FailureReason)
		reason = &truncated
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2,
			closing_balance = $3,
			failure_reason = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, transactionID, params.Status, nullableDecimal(params.ClosingBalance), reason)
	if err != nil {
		return fmt.Errorf("finalize transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionAlreadyProcessed
	}
	return nil
}

func (t *pgLedgerTx) InsertOtpChallenge(ctx context.Context, challenge *domain.OtpChallenge) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO otp_challenges (transaction_id, email, code, expires_at, attempt_count, verified)
		VALUES ($1, $2, $3, $4, 0, FALSE)
		RETURNING created_at
	`, challenge.TransactionID, normalizeEmail(challenge.Email), challenge.Code, challenge.ExpiresAt).Scan(&challenge.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert otp challenge: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) EnqueueEvent(ctx context.Context, exchange, routingKey, messageKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO ledger_event_outbox (exchange, routing_key, message_key, payload)
		VALUES ($1, $2, $3, $4::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), messageKey, string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.AccountNumber,
		&account.CustomerID,
		&account.BankID,
		&account.IFSC,
		&account.Balance,
		&account.PINHash,
		&account.Status,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		txn          domain.Transaction
		closing      decimal.NullDecimal
		referenceID  *uuid.UUID
		counterparty *int64
	)
	err := row.Scan(
		&txn.ID,
		&txn.AccountID,
		&txn.AccountNumber,
		&txn.BankID,
		&txn.MovementKind,
		&txn.OperationKind,
		&txn.Amount,
		&closing,
		&txn.Status,
		&referenceID,
		&counterparty,
		&txn.FailureReason,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if closing.Valid {
		value := closing.Decimal
		txn.ClosingBalance = &value
	}
	txn.ReferenceID = referenceID
	txn.CounterpartyAccountNumber = counterparty
	return &txn, nil
}

func nullableDecimal(value *decimal.Decimal) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

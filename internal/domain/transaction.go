/**
 * @description
 * Journal models for the ledger-service. A Transaction row is append-only; only its status
 * (and the closing balance that accompanies a SUCCESS) ever changes, and only once.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

const (
	MovementCredit = "CREDIT"
	MovementDebit  = "DEBIT"
)

const (
	OperationDeposit  = "DEPOSIT"
	OperationWithdraw = "WITHDRAW"
	OperationTransfer = "TRANSFER"
)

// Transaction maps to the `transactions` table.
type Transaction struct {
	ID                        uuid.UUID        `json:"transaction_id"`
	AccountID                 uuid.UUID        `json:"account_id"`
	AccountNumber             int64            `json:"account_number"`
	BankID                    int64            `json:"bank_id"`
	MovementKind              string           `json:"movement_kind"`
	OperationKind             string           `json:"operation_kind"`
	Amount                    decimal.Decimal  `json:"amount"`
	ClosingBalance            *decimal.Decimal `json:"closing_balance,omitempty"`
	Status                    string           `json:"status"`
	ReferenceID               *uuid.UUID       `json:"reference_id,omitempty"`
	CounterpartyAccountNumber *int64           `json:"counterparty_account_number,omitempty"`
	FailureReason             *string          `json:"failure_reason,omitempty"`
	CreatedAt                 time.Time        `json:"created_at"`
	UpdatedAt                 time.Time        `json:"updated_at"`
}

// IsTerminal reports whether the transaction has left PENDING.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusSuccess || t.Status == StatusFailed
}

// HistoryPage is a page of journal rows ordered newest first.
type HistoryPage struct {
	Items []Transaction `json:"items"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

// DepositRequest is the DTO for a deposit.
type DepositRequest struct {
	AccountNumber int64           `json:"account_number" validate:"required,gt=0"`
	Amount        decimal.Decimal `json:"amount"`
}

// WithdrawRequest is the DTO for staging a withdrawal.
type WithdrawRequest struct {
	AccountNumber int64           `json:"account_number" validate:"required,gt=0"`
	Amount        decimal.Decimal `json:"amount"`
	PIN           string          `json:"pin" validate:"required"`
}

// TransferRequest is the DTO for staging a transfer.
type TransferRequest struct {
	FromAccountNumber int64           `json:"from_account_number" validate:"required,gt=0"`
	ToAccountNumber   int64           `json:"to_account_number" validate:"required,gt=0"`
	Amount            decimal.Decimal `json:"amount"`
	PIN               string          `json:"pin" validate:"required"`
}

// ConfirmRequest is the DTO for resolving a staged transaction with its OTP.
type ConfirmRequest struct {
	TransactionID uuid.UUID `json:"transaction_id" validate:"required"`
	OTP           string    `json:"otp" validate:"required,numeric,len=4"`
}

// StagedTransfer is returned after a transfer is staged. TransactionID is the debit leg that carries the OTP.
type StagedTransfer struct {
	ReferenceID       uuid.UUID       `json:"reference_id"`
	TransactionID     uuid.UUID       `json:"transaction_id"`
	FromAccountNumber int64           `json:"from_account_number"`
	ToAccountNumber   int64           `json:"to_account_number"`
	Amount            decimal.Decimal `json:"amount"`
	Status            string          `json:"status"`
}

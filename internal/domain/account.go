/**
 * @description
 * Core account and customer models for the ledger-service.
 *
 * @notes
 * - Balances are exact decimals (shopspring/decimal). Floating point never touches money.
 * - An account number embeds its bank: accountNumber = bankID * AccountNumberBankFactor + counter.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountNumberBankFactor is the multiplier applied to a bank id when composing an account number.
const AccountNumberBankFactor int64 = 1_000_000_000

const (
	AccountStatusActive = "ACTIVE"
	AccountStatusFrozen = "FROZEN"
	AccountStatusClosed = "CLOSED"
)

// Customer is the owner of one or more accounts. Email is the identity carried by the session token.
type Customer struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Account maps to the `accounts` table. Balance is only mutated by the ledger while the row lock is held.
type Account struct {
	ID            uuid.UUID       `json:"id"`
	AccountNumber int64           `json:"account_number"`
	CustomerID    uuid.UUID       `json:"customer_id"`
	BankID        int64           `json:"bank_id"`
	IFSC          string          `json:"ifsc"`
	Balance       decimal.Decimal `json:"balance"`
	PINHash       string          `json:"-"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsActive reports whether the account accepts balance mutations.
func (a *Account) IsActive() bool {
	return a != nil && a.Status == AccountStatusActive
}

// BankIDFromAccountNumber recovers the bank id embedded in an account number.
func BankIDFromAccountNumber(accountNumber int64) int64 {
	return accountNumber / AccountNumberBankFactor
}

// OpenAccountRequest is the DTO for opening a new account.
type OpenAccountRequest struct {
	IFSC     string `json:"ifsc" validate:"required,min=4,max=20,alphanum"`
	FullName string `json:"full_name" validate:"required,min=2,max=120"`
	PIN      string `json:"pin" validate:"required,numeric,min=4,max=6"`
}

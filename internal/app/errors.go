package app

import (
	"errors"
	"fmt"

	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/bankclient"
)

// Validation errors are returned before any lock is taken.
var (
	ErrInvalidAmount    = errors.New("amount must be a positive value with at most two decimal places")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrSameAccount      = fmt.Errorf("%w: source and destination accounts must differ", ErrInvalidRequest)
	ErrAmountTooLarge   = fmt.Errorf("%w: amount exceeds the per-transaction limit", ErrInvalidAmount)
	ErrInvalidPINFormat = errors.New("pin must be 4 to 6 digits")
)

var (
	ErrWrongPin                    = errors.New("incorrect pin")
	ErrInsufficientBalance         = errors.New("insufficient balance")
	ErrBalanceLimitExceeded        = fmt.Errorf("%w: resulting balance exceeds the account limit", ErrInvalidRequest)
	ErrUnauthorized                = errors.New("caller does not own this transaction")
	ErrAccountInactive             = errors.New("account is not active")
	ErrReceiverNotFound            = errors.New("receiver account not found")
	ErrAccountNumberSpaceExhausted = errors.New("account number space exhausted for bank")
	ErrInvalidBankID               = errors.New("bank id is out of range")
	ErrRateLimited                 = errors.New("too many confirmation attempts")
)

// OTP outcomes.
var (
	ErrChallengeExpired = errors.New("otp has expired")
	ErrAttemptsExceeded = errors.New("otp attempts exceeded")
	ErrInvalidCode      = errors.New("invalid otp")
)

// Persistence outcomes surfaced unchanged to callers.
var (
	ErrAccountNotFound             = store.ErrAccountNotFound
	ErrCustomerNotFound            = store.ErrCustomerNotFound
	ErrTransactionNotFound         = store.ErrTransactionNotFound
	ErrTransactionAlreadyProcessed = store.ErrTransactionAlreadyProcessed
	ErrChallengeNotFound           = store.ErrChallengeNotFound
)

// Collaborator outcomes.
var (
	ErrBankNotFound            = bankclient.ErrBankNotFound
	ErrBankRegistryUnavailable = bankclient.ErrRegistryUnavailable
)

// RateLimitError carries the wait before the caller may retry.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s; retry after %ds", ErrRateLimited.Error(), e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/transfa/ledger-service/internal/app"
)

const (
	codeInvalidRequest        = "INVALID_REQUEST"
	codeUnauthenticated       = "UNAUTHENTICATED"
	codeForbidden             = "FORBIDDEN"
	codeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	codeCustomerNotFound      = "CUSTOMER_NOT_FOUND"
	codeReceiverNotFound      = "RECEIVER_NOT_FOUND"
	codeTransactionNotFound   = "TRANSACTION_NOT_FOUND"
	codeBankNotFound          = "BANK_NOT_FOUND"
	codeAlreadyProcessed      = "TRANSACTION_ALREADY_PROCESSED"
	codeAccountInactive       = "ACCOUNT_INACTIVE"
	codeWrongPin              = "WRONG_PIN"
	codeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	codeOtpNotFound           = "OTP_NOT_FOUND"
	codeOtpExpired            = "OTP_EXPIRED"
	codeOtpAttemptsExceeded   = "OTP_ATTEMPTS_EXCEEDED"
	codeOtpInvalid            = "OTP_INVALID"
	codeRateLimited           = "RATE_LIMITED"
	codeServiceUnavailable    = "SERVICE_UNAVAILABLE"
	codeInternalError         = "INTERNAL_ERROR"
	genericInternalErrMessage = "Something went wrong. Please try again."
)

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status,omitempty"`
}

// mapLedgerError classifies err into an HTTP status, a stable code and a client-safe message.
func mapLedgerError(err error) (int, string, string) {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs):
		return http.StatusBadRequest, codeInvalidRequest, validationErrs.Error()
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidRequest),
		errors.Is(err, app.ErrInvalidPINFormat):
		return http.StatusBadRequest, codeInvalidRequest, err.Error()
	case errors.Is(err, app.ErrWrongPin):
		return http.StatusBadRequest, codeWrongPin, "Incorrect PIN."
	case errors.Is(err, app.ErrInsufficientBalance):
		return http.StatusBadRequest, codeInsufficientBalance, "Insufficient balance."
	case errors.Is(err, app.ErrChallengeNotFound):
		return http.StatusBadRequest, codeOtpNotFound, "No active OTP for this transaction."
	case errors.Is(err, app.ErrChallengeExpired):
		return http.StatusBadRequest, codeOtpExpired, "OTP has expired. The transaction was cancelled."
	case errors.Is(err, app.ErrAttemptsExceeded):
		return http.StatusBadRequest, codeOtpAttemptsExceeded, "Too many incorrect OTP attempts. The transaction was cancelled."
	case errors.Is(err, app.ErrInvalidCode):
		return http.StatusBadRequest, codeOtpInvalid, "Incorrect OTP."
	case errors.Is(err, app.ErrUnauthorized):
		return http.StatusForbidden, codeForbidden, "You cannot confirm this transaction."
	case errors.Is(err, app.ErrReceiverNotFound):
		return http.StatusNotFound, codeReceiverNotFound, "Receiver account not found."
	case errors.Is(err, app.ErrAccountNotFound):
		return http.StatusNotFound, codeAccountNotFound, "Account not found."
	case errors.Is(err, app.ErrCustomerNotFound):
		return http.StatusNotFound, codeCustomerNotFound, "Customer not found."
	case errors.Is(err, app.ErrTransactionNotFound):
		return http.StatusNotFound, codeTransactionNotFound, "Transaction not found."
	case errors.Is(err, app.ErrBankNotFound):
		return http.StatusNotFound, codeBankNotFound, "No bank is registered for this IFSC."
	case errors.Is(err, app.ErrTransactionAlreadyProcessed):
		return http.StatusConflict, codeAlreadyProcessed, "Transaction has already been processed."
	case errors.Is(err, app.ErrAccountInactive):
		return http.StatusConflict, codeAccountInactive, "Account is not active."
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited, "Too many confirmation attempts. Please wait and try again."
	case errors.Is(err, app.ErrBankRegistryUnavailable):
		return http.StatusServiceUnavailable, codeServiceUnavailable, "Bank registry is unavailable. Please try again later."
	}
	return http.StatusInternalServerError, codeInternalError, genericInternalErrMessage
}

// writeLedgerError maps err and writes it. Internal errors are logged with the endpoint name.
func writeLedgerError(w http.ResponseWriter, endpoint string, err error) {
	status, code, message := mapLedgerError(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=rejected code=%s err=%v", endpoint, code, err)
	}

	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}
	writeErrorBody(w, status, code, message)
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("level=warn component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
}

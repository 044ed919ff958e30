/**
 * @description
 * HTTP handlers for the ledger-service. Handlers decode and validate the request, resolve
 * the caller from the token, call the application service and shape the response. Money
 * leaves the API as fixed two-decimal strings.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - github.com/go-playground/validator/v10: For request DTO validation.
 * - internal/app, internal/domain: For service logic and models.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
)

const maxRequestBodyBytes = 1 << 20

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service  *app.Service
	validate *validator.Validate
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service, validate: validator.New()}
}

type accountResponse struct {
	AccountNumber int64     `json:"account_number"`
	BankID        int64     `json:"bank_id"`
	IFSC          string    `json:"ifsc"`
	Balance       string    `json:"balance"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type transactionResponse struct {
	TransactionID             string    `json:"transaction_id"`
	ReferenceID               *string   `json:"reference_id,omitempty"`
	AccountNumber             int64     `json:"account_number"`
	OperationKind             string    `json:"operation_kind"`
	MovementKind              string    `json:"movement_kind"`
	Amount                    string    `json:"amount"`
	ClosingBalance            *string   `json:"closing_balance,omitempty"`
	Status                    string    `json:"status"`
	CounterpartyAccountNumber *int64    `json:"counterparty_account_number,omitempty"`
	FailureReason             *string   `json:"failure_reason,omitempty"`
	CreatedAt                 time.Time `json:"created_at"`
}

type stagedTransferResponse struct {
	ReferenceID       string `json:"reference_id"`
	TransactionID     string `json:"transaction_id"`
	FromAccountNumber int64  `json:"from_account_number"`
	ToAccountNumber   int64  `json:"to_account_number"`
	Amount            string `json:"amount"`
	Status            string `json:"status"`
}

type historyResponse struct {
	Items []transactionResponse `json:"items"`
	Page  int                   `json:"page"`
	Size  int                   `json:"size"`
}

func buildAccountResponse(account *domain.Account) accountResponse {
	return accountResponse{
		AccountNumber: account.AccountNumber,
		BankID:        account.BankID,
		IFSC:          account.IFSC,
		Balance:       account.Balance.StringFixed(2),
		Status:        account.Status,
		CreatedAt:     account.CreatedAt,
	}
}

func buildTransactionResponse(txn *domain.Transaction) transactionResponse {
	resp := transactionResponse{
		TransactionID:             txn.ID.String(),
		AccountNumber:             txn.AccountNumber,
		OperationKind:             txn.OperationKind,
		MovementKind:              txn.MovementKind,
		Amount:                    txn.Amount.StringFixed(2),
		Status:                    txn.Status,
		CounterpartyAccountNumber: txn.CounterpartyAccountNumber,
		FailureReason:             txn.FailureReason,
		CreatedAt:                 txn.CreatedAt,
	}
	if txn.ReferenceID != nil {
		ref := txn.ReferenceID.String()
		resp.ReferenceID = &ref
	}
	if txn.ClosingBalance != nil {
		closing := txn.ClosingBalance.StringFixed(2)
		resp.ClosingBalance = &closing
	}
	return resp
}

// OpenAccountHandler opens an account for the caller.
func (h *LedgerHandlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	email, ok := h.callerEmail(w, r)
	if !ok {
		return
	}

	var req domain.OpenAccountRequest
	if !h.decodeAndValidate(w, r, "open_account", &req) {
		return
	}

	account, err := h.service.OpenAccount(r.Context(), email, req)
	if err != nil {
		writeLedgerError(w, "open_account", err)
		return
	}

	log.Printf("level=info component=api endpoint=open_account outcome=created account_number=%d", account.AccountNumber)
	writeJSON(w, http.StatusCreated, buildAccountResponse(account))
}

// ListAccountsHandler lists the caller's accounts.
func (h *LedgerHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	email, ok := h.callerEmail(w, r)
	if !ok {
		return
	}

	accounts, err := h.service.ListAccounts(r.Context(), email)
	if err != nil {
		writeLedgerError(w, "list_accounts", err)
		return
	}

	items := make([]accountResponse, 0, len(accounts))
	for i := range accounts {
		items = append(items, buildAccountResponse(&accounts[i]))
	}
	writeJSON(w, http.StatusOK, items)
}

// GetAccountHandler returns one of the caller's accounts with its balance.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	email, ok := h.callerEmail(w, r)
	if !ok {
		return
	}

	accountNumber, err := strconv.ParseInt(chi.URLParam(r, "accountNum"), 10, 64)
	if err != nil || accountNumber <= 0 {
		writeErrorBody(w, http.StatusBadRequest, codeInvalidRequest, "Invalid account number")
		return
	}

	account, err := h.service.GetAccount(r.Context(), email, accountNumber)
	if err != nil {
		writeLedgerError(w, "get_account", err)
		return
	}
	writeJSON(w, http.StatusOK, buildAccountResponse(account))
}

// DepositHandler credits one of the caller's accounts immediately.
func (h *LedgerHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	email, ok := h.callerEmail(w, r)
	if !ok {
		return
	}

	var req domain.DepositRequest
	if !h.decodeAndValidate(w, r, "deposit", &req) {
		return
	}

	txn, err := h.service.Deposit(r.Context(), email, req)
	if err != nil {
		writeLedgerError(w, "deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, buildTransactionResponse(txn))
}

// WithdrawHandler stages a withdrawal and mails its OTP.
func (h *LedgerHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	email, ok := h.callerEmail(w, r)
	if !ok {
		return
	}

	var req domain.WithdrawRequest
	if !h.decodeAndValidate(w, r, "withdraw", &req) {
		return
	}

	txn, err := h.service.Withdraw(r.Context(), email, req)
	if err != nil {
		writeLedgerError(w, "withdraw", err)
		return
	}

	log.Printf("level=info component=api endpoint=withdraw outcome=staged transaction_id=%s", txn.ID)
	writeJSON(w, http.StatusAccepted, buildTransactionResponse(txn))
}

// TransferHandler stages a transfer between two accounts and mails its OTP to the sender.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	email, ok := h.callerEmail(w, r)
	if !ok {
		return
	}

	var req domain.TransferRequest
	if !h.decodeAndValidate(w, r, "transfer", &req) {
		return
	}

	staged, err := h.service.Transfer(r.Context(), email, req)
	if err != nil {
		writeLedgerError(w, "transfer", err)
		return
	}

	log.Printf("level=info component=api endpoint=transfer outcome=staged reference_id=%s transaction_id=%s", staged.ReferenceID, staged.TransactionID)
	writeJSON(w, http.StatusAccepted, stagedTransferResponse{
		ReferenceID:       staged.ReferenceID.String(),
		TransactionID:     staged.TransactionID.String(),
		FromAccountNumber: staged.FromAccountNumber,
		ToAccountNumber:   staged.ToAccountNumber,
		Amount:            staged.Amount.StringFixed(2),
		Status:            staged.Status,
	})
}

// ConfirmHandler resolves a staged transaction with its OTP. A transaction that was committed
// as FAILED is reported with the failure's status code and the final row's id and status.
func (h *LedgerHandlers) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	email, ok := h.callerEmail(w, r)
	if !ok {
		return
	}

	var req domain.ConfirmRequest
	if !h.decodeAndValidate(w, r, "confirm", &req) {
		return
	}

	txn, err := h.service.Confirm(r.Context(), email, req)
	if err != nil {
		if txn == nil {
			writeLedgerError(w, "confirm", err)
			return
		}
		status, code, message := mapLedgerError(err)
		log.Printf("level=warn component=api endpoint=confirm outcome=failed transaction_id=%s code=%s", txn.ID, code)
		writeJSON(w, status, errorResponse{Error: message, Code: code, TransactionID: txn.ID.String(), Status: txn.Status})
		return
	}

	writeJSON(w, http.StatusOK, buildTransactionResponse(txn))
}

// HistoryHandler pages through the caller's journal, newest first.
func (h *LedgerHandlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	email, ok := h.callerEmail(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	page, err := parseOptionalNonNegativeInt(query.Get("page"), 0)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, codeInvalidRequest, "Invalid page")
		return
	}
	size, err := parseOptionalNonNegativeInt(query.Get("size"), 0)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, codeInvalidRequest, "Invalid size")
		return
	}

	var accountNumber *int64
	if raw := strings.TrimSpace(query.Get("account_number")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeErrorBody(w, http.StatusBadRequest, codeInvalidRequest, "Invalid account number")
			return
		}
		accountNumber = &parsed
	}

	history, err := h.service.History(r.Context(), email, accountNumber, page, size)
	if err != nil {
		writeLedgerError(w, "history", err)
		return
	}

	items := make([]transactionResponse, 0, len(history.Items))
	for i := range history.Items {
		items = append(items, buildTransactionResponse(&history.Items[i]))
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: items, Page: history.Page, Size: history.Size})
}

// GetTransactionHandler returns one of the caller's journal rows.
func (h *LedgerHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	email, ok := h.callerEmail(w, r)
	if !ok {
		return
	}

	transactionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, codeInvalidRequest, "Invalid transaction ID")
		return
	}

	txn, err := h.service.GetTransaction(r.Context(), email, transactionID)
	if err != nil {
		writeLedgerError(w, "get_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, buildTransactionResponse(txn))
}

func (h *LedgerHandlers) callerEmail(w http.ResponseWriter, r *http.Request) (string, bool) {
	email, ok := GetCallerEmail(r.Context())
	if !ok {
		writeErrorBody(w, http.StatusUnauthorized, codeUnauthenticated, "Could not get caller from context")
		return "", false
	}
	return email, true
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
func (h *LedgerHandlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
		writeErrorBody(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("Invalid request body: %s", describeDecodeError(err)))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeLedgerError(w, endpoint, err)
		return false
	}
	return true
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("field %s has the wrong type", typeErr.Field)
	}
	if strings.Contains(err.Error(), "decimal") {
		return "amount must be a decimal number"
	}
	return "malformed JSON"
}

func parseOptionalNonNegativeInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionLifecycleEvent is published once a transaction reaches a state worth telling its owner about.
// It is staged in the outbox in the same commit as the state change it describes.
type TransactionLifecycleEvent struct {
	TransactionID  uuid.UUID        `json:"transaction_id"`
	ReferenceID    *uuid.UUID       `json:"reference_id,omitempty"`
	OwnerEmail     string           `json:"owner_email"`
	AccountNumber  int64            `json:"account_number"`
	Amount         decimal.Decimal  `json:"amount"`
	ClosingBalance *decimal.Decimal `json:"closing_balance,omitempty"`
	OperationKind  string           `json:"operation_kind"`
	MovementKind   string           `json:"movement_kind"`
	FinalStatus    string           `json:"final_status"`
	Note           string           `json:"note,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`

	CounterpartyAccountNumber *int64 `json:"counterparty_account_number,omitempty"`
}

// OutboxMessage is a claimed row of the `ledger_event_outbox` table.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	MessageKey string
	Payload    []byte
	Attempts   int
}

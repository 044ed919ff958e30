package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

const DefaultEventExchange = "ledger.events"

// EventPublisher stages lifecycle events in the outbox of the transaction that produced them.
// Nothing reaches the broker until that transaction commits and the OutboxDispatcher drains it.
type EventPublisher struct {
	exchange string
}

func NewEventPublisher(exchange string) *EventPublisher {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultEventExchange
	}
	return &EventPublisher{exchange: exchange}
}

// Publish enqueues event keyed by its transaction id.
func (p *EventPublisher) Publish(ctx context.Context, tx store.LedgerTx, event domain.TransactionLifecycleEvent) error {
	if err := tx.EnqueueEvent(ctx, p.exchange, RoutingKey(event), event.TransactionID.String(), event); err != nil {
		return fmt.Errorf("enqueue %s event for %s: %w", event.FinalStatus, event.TransactionID, err)
	}
	return nil
}

// RoutingKey is transaction.<operation>.<status>, lower-cased.
func RoutingKey(event domain.TransactionLifecycleEvent) string {
	return fmt.Sprintf("transaction.%s.%s", strings.ToLower(event.OperationKind), strings.ToLower(event.FinalStatus))
}

func lifecycleEvent(txn *domain.Transaction, ownerEmail string, note string, at time.Time) domain.TransactionLifecycleEvent {
	return domain.TransactionLifecycleEvent{
		TransactionID:  txn.ID,
		ReferenceID:    txn.ReferenceID,
		OwnerEmail:     ownerEmail,
		AccountNumber:  txn.AccountNumber,
		Amount:         txn.Amount,
		ClosingBalance: txn.ClosingBalance,
		OperationKind:  txn.OperationKind,
		MovementKind:   txn.MovementKind,
		FinalStatus:    txn.Status,
		Note:           note,
		OccurredAt:     at.UTC(),

		CounterpartyAccountNumber: txn.CounterpartyAccountNumber,
	}
}

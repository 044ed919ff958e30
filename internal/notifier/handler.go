package notifier

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
)

// Sender delivers a rendered email.
type Sender interface {
	Send(to, subject, body string) error
}

// EventHandler turns lifecycle events from the bus into customer emails.
type EventHandler struct {
	sender  Sender
	deduper Deduper
}

func NewEventHandler(sender Sender, deduper Deduper) *EventHandler {
	if deduper == nil {
		deduper = NewMemoryDeduper(0)
	}
	return &EventHandler{sender: sender, deduper: deduper}
}

// HandleMessage processes one delivery. It returns false only when the delivery should be
// retried; malformed and unrenderable events are acknowledged and dropped.
func (h *EventHandler) HandleMessage(routingKey string, messageID string, body []byte) bool {
	var event domain.TransactionLifecycleEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=notifier msg=\"failed to unmarshal event\" routing_key=%s err=%v", routingKey, err)
		return true
	}

	message, ok := Render(event)
	if !ok {
		log.Printf("level=info component=notifier msg=\"no email for event\" routing_key=%s transaction_id=%s", routingKey, event.TransactionID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	key := dedupeKey(messageID, event)
	seen, err := h.deduper.Seen(ctx, key)
	if err != nil {
		log.Printf("level=warn component=notifier msg=\"dedupe store unavailable; sending anyway\" key=%s err=%v", key, err)
	}
	if seen {
		log.Printf("level=info component=notifier msg=\"duplicate delivery skipped\" key=%s", key)
		return true
	}

	if err := h.sender.Send(message.To, message.Subject, message.Body); err != nil {
		log.Printf("level=warn component=notifier msg=\"email send failed; requeueing\" transaction_id=%s err=%v", event.TransactionID, err)
		return false
	}
	// A crash before Mark means the redelivery mails again; duplicates beat lost mail.
	if err := h.deduper.Mark(ctx, key); err != nil {
		log.Printf("level=warn component=notifier msg=\"failed to record delivery\" key=%s err=%v", key, err)
	}

	log.Printf("level=info component=notifier msg=\"email sent\" transaction_id=%s status=%s", event.TransactionID, event.FinalStatus)
	return true
}

// dedupeKey is unique per transaction and final status; a transaction only ever publishes once per status.
func dedupeKey(messageID string, event domain.TransactionLifecycleEvent) string {
	id := messageID
	if id == "" {
		id = event.TransactionID.String()
	}
	return id + ":" + event.FinalStatus
}

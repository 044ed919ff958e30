/**
 * @description
 * Renders transaction lifecycle events into customer emails. The subject and wording are
 * chosen per (operation, status, movement); the ledger itself never formats mail.
 */

package notifier

import (
	"fmt"
	"html"
	"strings"

	"github.com/transfa/ledger-service/internal/domain"
)

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	Body    string
}

type templateKey struct {
	operation string
	status    string
	movement  string
}

type template struct {
	subject  string
	headline func(e domain.TransactionLifecycleEvent) string
}

var templates = map[templateKey]template{
	{domain.OperationDeposit, domain.StatusSuccess, domain.MovementCredit}: {
		subject: "Deposit received",
		headline: func(e domain.TransactionLifecycleEvent) string {
			return fmt.Sprintf("%s was deposited into account %d.", amount(e), e.AccountNumber)
		},
	},
	{domain.OperationWithdraw, domain.StatusSuccess, domain.MovementDebit}: {
		subject: "Withdrawal successful",
		headline: func(e domain.TransactionLifecycleEvent) string {
			return fmt.Sprintf("%s was withdrawn from account %d.", amount(e), e.AccountNumber)
		},
	},
	{domain.OperationWithdraw, domain.StatusFailed, domain.MovementDebit}: {
		subject: "Withdrawal failed",
		headline: func(e domain.TransactionLifecycleEvent) string {
			return fmt.Sprintf("Your withdrawal of %s from account %d did not go through. No money left your account.", amount(e), e.AccountNumber)
		},
	},
	{domain.OperationTransfer, domain.StatusSuccess, domain.MovementDebit}: {
		subject: "Transfer sent",
		headline: func(e domain.TransactionLifecycleEvent) string {
			return fmt.Sprintf("%s was sent from account %d to account %s.", amount(e), e.AccountNumber, counterparty(e))
		},
	},
	{domain.OperationTransfer, domain.StatusSuccess, domain.MovementCredit}: {
		subject: "Money received",
		headline: func(e domain.TransactionLifecycleEvent) string {
			return fmt.Sprintf("Account %d received %s from account %s.", e.AccountNumber, amount(e), counterparty(e))
		},
	},
	{domain.OperationTransfer, domain.StatusFailed, domain.MovementDebit}: {
		subject: "Transfer failed",
		headline: func(e domain.TransactionLifecycleEvent) string {
			return fmt.Sprintf("Your transfer of %s to account %s did not go through. No money left your account.", amount(e), counterparty(e))
		},
	},
}

// Render builds the email for event. It reports false for events with no recipient or no template.
func Render(event domain.TransactionLifecycleEvent) (Message, bool) {
	to := strings.TrimSpace(event.OwnerEmail)
	if to == "" {
		return Message{}, false
	}

	key := templateKey{
		operation: strings.ToUpper(event.OperationKind),
		status:    strings.ToUpper(event.FinalStatus),
		movement:  strings.ToUpper(event.MovementKind),
	}
	tmpl, ok := templates[key]
	if !ok {
		return Message{}, false
	}

	var body strings.Builder
	body.WriteString("<p>")
	body.WriteString(html.EscapeString(tmpl.headline(event)))
	body.WriteString("</p>")
	if event.ClosingBalance != nil && key.status == domain.StatusSuccess {
		fmt.Fprintf(&body, "<p>Available balance: %s</p>", html.EscapeString(event.ClosingBalance.StringFixed(2)))
	}
	if key.status == domain.StatusFailed && strings.TrimSpace(event.Note) != "" {
		fmt.Fprintf(&body, "<p>Reason: %s</p>", html.EscapeString(event.Note))
	}
	fmt.Fprintf(&body, "<p>Reference: %s<br>Time: %s</p>", event.TransactionID, event.OccurredAt.UTC().Format("02 Jan 2006 15:04 MST"))

	return Message{To: to, Subject: tmpl.subject, Body: body.String()}, true
}

func amount(e domain.TransactionLifecycleEvent) string {
	return e.Amount.StringFixed(2)
}

func counterparty(e domain.TransactionLifecycleEvent) string {
	if e.CounterpartyAccountNumber == nil {
		return "(unknown)"
	}
	return fmt.Sprintf("%d", *e.CounterpartyAccountNumber)
}

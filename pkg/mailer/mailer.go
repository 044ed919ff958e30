/**
 * @description
 * Outbound email over SMTP. Both the ledger-service (OTP codes) and the notifier
 * (transaction outcomes) send through this package.
 *
 * @dependencies
 * - gopkg.in/gomail.v2: SMTP dialer and MIME message builder.
 */
package mailer

import (
	"fmt"
	"log"
	"strings"

	"gopkg.in/gomail.v2"
)

// Sender delivers one message.
type Sender interface {
	Send(to, subject, body string) error
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer creates a mailer for the given relay.
func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// Send delivers an HTML message.
func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := buildMessage(m.from, to, subject, body)
	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}
	return nil
}

func buildMessage(from, to, subject, body string) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", strings.TrimSpace(to))
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)
	return msg
}

// LogMailer writes messages to the log instead of sending them. Used when SMTP is not configured.
type LogMailer struct{}

func (LogMailer) Send(to, subject, body string) error {
	log.Printf("level=warn component=mailer mode=log msg=\"smtp not configured; email not sent\" to=%s subject=%q", to, subject)
	return nil
}

// New returns an SMTP mailer when host is set, otherwise a LogMailer.
func New(host string, port int, username, password, from string) Sender {
	if strings.TrimSpace(host) == "" {
		return LogMailer{}
	}
	return NewSMTPMailer(host, port, username, password, from)
}

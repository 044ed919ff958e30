package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	OTPCodeLength  = 4
	OTPDefaultTTL  = 5 * time.Minute
	OTPMaxAttempts = 3
)

// OtpChallenge maps to the `otp_challenges` table. At most one row exists per transaction.
type OtpChallenge struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Email         string    `json:"email"`
	Code          string    `json:"-"`
	ExpiresAt     time.Time `json:"expires_at"`
	Attempts      int       `json:"attempts"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// Expired reports whether the challenge is past its expiry at the given instant.
func (c *OtpChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

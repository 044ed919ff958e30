package app

import (
	"errors"
	"regexp"

	"golang.org/x/crypto/bcrypt"
)

var pinPattern = regexp.MustCompile(`^[0-9]{4,6}$`)

// HashPIN validates the PIN format and returns its bcrypt hash.
func HashPIN(pin string) (string, error) {
	if !pinPattern.MatchString(pin) {
		return "", ErrInvalidPINFormat
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPIN compares pin against the stored hash.
func VerifyPIN(hash, pin string) error {
	if !pinPattern.MatchString(pin) {
		return ErrInvalidPINFormat
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrWrongPin
		}
		return err
	}
	return nil
}

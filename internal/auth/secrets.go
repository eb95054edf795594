package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrEmptySecret indicates an empty PIN or PUK.
	ErrEmptySecret = errors.New("secret cannot be empty")

	// ErrSecretMismatch indicates a PIN or PUK that does not match its hash.
	ErrSecretMismatch = errors.New("secret does not match")
)

// hashSecret creates a bcrypt hash of a PIN or PUK.
func hashSecret(secret string, cost int) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("secret is too long: %w", err)
		}
		return "", fmt.Errorf("could not hash secret: %w", err)
	}
	return string(hashed), nil
}

// verifySecret checks a plaintext secret against a bcrypt hash.
func verifySecret(secret, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrSecretMismatch
		}
		return fmt.Errorf("could not verify secret: %w", err)
	}
	return nil
}

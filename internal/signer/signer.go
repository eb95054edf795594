//go:generate mockgen -source=signer.go -destination=mocks/mock_signer.go -package=mocks Signer

// Package signer defines the signing oracle used by the Secure Element and
// ships a software implementation for development and tests.
package signer

import (
	"context"
	"encoding/asn1"
	"fmt"
	"time"
)

// KeyPurpose selects the signing key. Audit logs are signed with the system key.
type KeyPurpose string

const (
	PurposeTransaction KeyPurpose = "transaction"
	PurposeSystem      KeyPurpose = "system"
)

// Purposes lists every key purpose in a stable order.
var Purposes = []KeyPurpose{PurposeTransaction, PurposeSystem}

// ParsePurpose validates a purpose name.
func ParsePurpose(s string) (KeyPurpose, error) {
	switch KeyPurpose(s) {
	case PurposeTransaction, PurposeSystem:
		return KeyPurpose(s), nil
	}
	return "", fmt.Errorf("unknown key purpose %q", s)
}

// Certificate describes the certificate of one signing key.
// Chain holds DER certificates, leaf first.
type Certificate struct {
	SerialNumber []byte
	Purpose      KeyPurpose
	ValidFrom    time.Time
	ValidTo      time.Time
	Chain        [][]byte
}

// Expired reports whether now is past the end of the validity period.
func (c Certificate) Expired(now time.Time) bool {
	return now.After(c.ValidTo)
}

// Signer is the opaque signing capability of the Secure Element.
type Signer interface {
	// Sign returns the signature over payload with the key for purpose.
	Sign(ctx context.Context, purpose KeyPurpose, payload []byte) ([]byte, error)

	// Certificate returns the certificate of the key for purpose.
	Certificate(ctx context.Context, purpose KeyPurpose) (Certificate, error)

	// Algorithm returns the signature algorithm identifier.
	Algorithm() asn1.ObjectIdentifier
}

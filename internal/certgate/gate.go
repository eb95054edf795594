// Package certgate guards the signing oracle with the certificate registry.
//
// Every signature goes through Gate.Sign, which resolves the active
// certificate for the key purpose and reports whether it has expired. An
// expired certificate never prevents signing; the caller decides how to
// surface it.
package certgate

import (
	"context"
	"encoding/asn1"
	"errors"
	"log/slog"

	"github.com/roach88/seapi/internal/clock"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/signer"
	"github.com/roach88/seapi/internal/store"
)

var (
	// ErrNoCertificate indicates no active certificate for the key purpose.
	ErrNoCertificate = errors.New("no active certificate")

	// ErrSigningUnavailable indicates the signer failed to produce a signature.
	ErrSigningUnavailable = errors.New("signing unavailable")
)

// Registry resolves active certificates. Implemented by *store.Store.
type Registry interface {
	ActiveCertificate(ctx context.Context, purpose signer.KeyPurpose) (signer.Certificate, error)
}

// Signature is the result of a gated signing operation.
type Signature struct {
	Value        []byte
	SerialNumber []byte
	Algorithm    asn1.ObjectIdentifier
	Expired      bool
}

// Gate wraps a Signer with certificate lookup and expiry detection.
type Gate struct {
	signer   signer.Signer
	registry Registry
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate.
func New(s signer.Signer, reg Registry, clk clock.Clock, opts ...Option) *Gate {
	g := &Gate{signer: s, registry: reg, clock: clk, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Active returns the active certificate for purpose.
// Fails with ERROR_EXPORT_CERT_FAILED if none is installed.
func (g *Gate) Active(ctx context.Context, purpose signer.KeyPurpose) (signer.Certificate, error) {
	cert, err := g.registry.ActiveCertificate(ctx, purpose)
	if errors.Is(err, store.ErrNotFound) {
		return signer.Certificate{}, seerr.Wrap("certificate", seerr.ExportCertFailed, ErrNoCertificate)
	}
	if err != nil {
		return signer.Certificate{}, seerr.Wrap("certificate", seerr.StorageFailure, err)
	}
	return cert, nil
}

// Sign signs payload with the key for purpose.
//
// Failure modes:
//   - no active certificate: ERROR_EXPORT_CERT_FAILED (ErrNoCertificate)
//   - signer error: ERROR_RETRIEVE_LOG_MESSAGE_FAILED (ErrSigningUnavailable)
//
// An expired certificate still yields a signature with Expired set.
func (g *Gate) Sign(ctx context.Context, purpose signer.KeyPurpose, payload []byte) (Signature, error) {
	cert, err := g.Active(ctx, purpose)
	if err != nil {
		return Signature{}, err
	}

	value, err := g.signer.Sign(ctx, purpose, payload)
	if err != nil {
		g.logger.Error("signing failed", "purpose", purpose, "error", err)
		return Signature{}, seerr.Wrap("sign", seerr.RetrieveLogMessageFailed, errors.Join(ErrSigningUnavailable, err))
	}
	if len(value) == 0 {
		return Signature{}, seerr.Wrap("sign", seerr.RetrieveLogMessageFailed, ErrSigningUnavailable)
	}

	expired := cert.Expired(g.clock.Now())
	if expired {
		g.logger.Warn("signing with expired certificate",
			"purpose", purpose,
			"valid_to", cert.ValidTo,
		)
	}
	return Signature{
		Value:        value,
		SerialNumber: cert.SerialNumber,
		Algorithm:    g.signer.Algorithm(),
		Expired:      expired,
	}, nil
}

// Algorithm returns the signer's signature algorithm.
func (g *Gate) Algorithm() asn1.ObjectIdentifier {
	return g.signer.Algorithm()
}

// Issued collects the signer's certificates for every key purpose, for
// installation into the registry at initialization.
func (g *Gate) Issued(ctx context.Context) ([]signer.Certificate, error) {
	certs := make([]signer.Certificate, 0, len(signer.Purposes))
	for _, p := range signer.Purposes {
		c, err := g.signer.Certificate(ctx, p)
		if err != nil {
			return nil, seerr.Wrap("certificate", seerr.ExportCertFailed, err)
		}
		c.Purpose = p
		certs = append(certs, c)
	}
	return certs, nil
}

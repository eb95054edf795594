package store

import (
	"context"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/roach88/seapi/internal/signer"
)

// ActiveCertificate returns the active certificate for purpose.
func (s *Store) ActiveCertificate(ctx context.Context, purpose signer.KeyPurpose) (signer.Certificate, error) {
	certs, err := queryCertificates(ctx, s.db, `WHERE purpose = ? AND active = 1`, string(purpose))
	if err != nil {
		return signer.Certificate{}, fmt.Errorf("active certificate: %w", err)
	}
	if len(certs) == 0 {
		return signer.Certificate{}, fmt.Errorf("active certificate %s: %w", purpose, ErrNotFound)
	}
	return certs[0], nil
}

// Certificates returns every stored certificate, including restored ones,
// ordered by purpose then validity start.
func (s *Store) Certificates(ctx context.Context) ([]signer.Certificate, error) {
	certs, err := queryCertificates(ctx, s.db, ``)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	return certs, nil
}

func queryCertificates(ctx context.Context, q querier, where string, args ...any) ([]signer.Certificate, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT serial_number, purpose, valid_from, valid_to, chain FROM certificates `+where+`
		ORDER BY purpose, valid_from, serial_number
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	certs := []signer.Certificate{}
	for rows.Next() {
		var c signer.Certificate
		var purpose string
		var from, to int64
		var chain []byte
		if err := rows.Scan(&c.SerialNumber, &purpose, &from, &to, &chain); err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		c.Purpose = signer.KeyPurpose(purpose)
		c.ValidFrom = time.Unix(from, 0).UTC()
		c.ValidTo = time.Unix(to, 0).UTC()
		if c.Chain, err = SplitChain(chain); err != nil {
			return nil, fmt.Errorf("certificate chain: %w", err)
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}

// InstallCertificates stores certs and makes each the active certificate of
// its purpose, in one SQL transaction.
func (s *Store) InstallCertificates(ctx context.Context, certs []signer.Certificate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("install certificates: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, c := range certs {
		if err := activateCertificate(ctx, tx, c); err != nil {
			return fmt.Errorf("install certificates: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("install certificates: commit: %w", err)
	}
	return nil
}

// activateCertificate stores c and makes it the only active certificate of its purpose.
func activateCertificate(ctx context.Context, q querier, c signer.Certificate) error {
	if _, err := q.ExecContext(ctx, `UPDATE certificates SET active = 0 WHERE purpose = ? AND active = 1`, string(c.Purpose)); err != nil {
		return fmt.Errorf("deactivate certificates: %w", err)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO certificates (serial_number, purpose, valid_from, valid_to, chain, active)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(serial_number) DO UPDATE SET active = 1
	`, c.SerialNumber, string(c.Purpose), c.ValidFrom.Unix(), c.ValidTo.Unix(), JoinChain(c.Chain))
	if err != nil {
		return fmt.Errorf("install certificate: %w", err)
	}
	return nil
}

// JoinChain concatenates DER certificates.
func JoinChain(chain [][]byte) []byte {
	var out []byte
	for _, c := range chain {
		out = append(out, c...)
	}
	return out
}

// SplitChain splits concatenated DER certificates.
func SplitChain(data []byte) ([][]byte, error) {
	chain := [][]byte{}
	for len(data) > 0 {
		var raw asn1.RawValue
		rest, err := asn1.Unmarshal(data, &raw)
		if err != nil {
			return nil, err
		}
		chain = append(chain, raw.FullBytes)
		data = rest
	}
	return chain, nil
}

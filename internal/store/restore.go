package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/seapi/internal/signer"
)

// RestoredFile is a log file imported from a backup archive.
type RestoredFile struct {
	Filename         string
	OriginalFilename string
	DER              []byte
	RestoredAt       time.Time
	Exported         bool
}

// RestoreResult reports what a restore stored.
type RestoreResult struct {
	// Files maps each archive filename to the name it was stored under.
	Files               map[string]string
	CertificatesAdded   int
	CertificatesSkipped int
}

// Restore imports log files and certificates in one SQL transaction.
//
// A log file whose name is already taken by a stored message or a previously
// restored file is stored as <stem>_<n>.log with the smallest free n >= 1.
// Certificates are inserted only if their serial number is unknown; existing
// certificates are never modified. On any error nothing is written.
func (s *Store) Restore(ctx context.Context, files []RestoredFile, certs []signer.Certificate, at time.Time) (RestoreResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("restore: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result := RestoreResult{Files: make(map[string]string, len(files))}
	for _, f := range files {
		name, err := freeFilename(ctx, tx, f.OriginalFilename)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("restore %s: %w", f.OriginalFilename, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO restored_files (filename, original_filename, der, restored_at)
			VALUES (?, ?, ?, ?)
		`, name, f.OriginalFilename, f.DER, at.Unix())
		if err != nil {
			return RestoreResult{}, fmt.Errorf("restore %s: insert: %w", f.OriginalFilename, err)
		}
		result.Files[f.OriginalFilename] = name
	}

	for _, c := range certs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO certificates (serial_number, purpose, valid_from, valid_to, chain, active, restored)
			VALUES (?, ?, ?, ?, ?, 0, 1)
			ON CONFLICT(serial_number) DO NOTHING
		`, c.SerialNumber, string(c.Purpose), c.ValidFrom.Unix(), c.ValidTo.Unix(), JoinChain(c.Chain))
		if err != nil {
			return RestoreResult{}, fmt.Errorf("restore certificate: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return RestoreResult{}, fmt.Errorf("restore certificate: %w", err)
		}
		if n == 1 {
			result.CertificatesAdded++
		} else {
			result.CertificatesSkipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return RestoreResult{}, fmt.Errorf("restore: commit: %w", err)
	}
	return result, nil
}

func freeFilename(ctx context.Context, q querier, name string) (string, error) {
	stem := strings.TrimSuffix(name, ".log")
	candidate := name
	for n := 1; ; n++ {
		taken, err := filenameTaken(ctx, q, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d.log", stem, n)
	}
}

func filenameTaken(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM log_messages WHERE filename = ?)
		     + (SELECT COUNT(*) FROM restored_files WHERE filename = ?)
	`, name, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check filename: %w", err)
	}
	return n > 0, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/seapi/internal/logmsg"
)

// Record is a committed log message as stored.
// TransactionNumber and ClientID are zero for system and audit messages.
type Record struct {
	Counter            uint64
	Kind               logmsg.Kind
	LogTime            time.Time
	SerialNumber       []byte
	TransactionNumber  uint64
	ClientID           string
	Filename           string
	DER                []byte
	Signed             bool
	CertificateExpired bool
	Exported           bool
}

// NewRecord builds the stored form of a log message.
func NewRecord(m logmsg.LogMessage) (Record, error) {
	der, err := m.Marshal()
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Counter:            m.SignatureCounter,
		Kind:               m.Kind(),
		LogTime:            m.LogTime.UTC().Truncate(time.Second),
		SerialNumber:       m.SerialNumber,
		Filename:           m.Filename(),
		DER:                der,
		Signed:             m.Signed(),
		CertificateExpired: m.CertificateExpired,
	}
	if td, ok := m.Payload.(logmsg.TransactionData); ok {
		rec.TransactionNumber = td.TransactionNumber
		rec.ClientID = td.ClientID
	}
	return rec, nil
}

// Message decodes the stored DER and restores the certificate status.
func (r Record) Message() (logmsg.LogMessage, error) {
	m, err := logmsg.Unmarshal(r.DER)
	if err != nil {
		return logmsg.LogMessage{}, err
	}
	m.CertificateExpired = r.CertificateExpired
	return m, nil
}

// Head is the durable position of the log chain.
type Head struct {
	SignatureCounter  uint64
	TransactionNumber uint64
}

// Effect is a state change committed atomically with a log message.
// Implemented by the types in this package only.
type Effect interface {
	apply(ctx context.Context, tx *sql.Tx, rec Record) error
}

// Head returns the last durably committed counter and transaction number.
func (s *Store) Head(ctx context.Context) (Head, error) {
	return readHead(ctx, s.db)
}

func readHead(ctx context.Context, q querier) (Head, error) {
	var h Head
	err := q.QueryRowContext(ctx, `SELECT signature_counter, transaction_number FROM chain_head WHERE id = 1`).
		Scan(&h.SignatureCounter, &h.TransactionNumber)
	if err != nil {
		return Head{}, fmt.Errorf("read chain head: %w", err)
	}
	return h, nil
}

// Append stores rec, advances the chain head and applies effects in one
// SQL transaction. Either everything is durable or nothing is.
//
// rec.Counter must be exactly head+1; otherwise ErrNonContiguous is returned
// and nothing is written.
func (s *Store) Append(ctx context.Context, rec Record, effects ...Effect) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	head, err := readHead(ctx, tx)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if rec.Counter != head.SignatureCounter+1 {
		return fmt.Errorf("append: %w: head %d, got %d", ErrNonContiguous, head.SignatureCounter, rec.Counter)
	}

	var txNumber sql.NullInt64
	var clientID sql.NullString
	if rec.Kind == logmsg.TransactionLog {
		txNumber = sql.NullInt64{Int64: int64(rec.TransactionNumber), Valid: true}
		clientID = sql.NullString{String: rec.ClientID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO log_messages
		(signature_counter, kind, log_time, serial_number, transaction_number, client_id, filename, der, signed, certificate_expired)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Counter,
		rec.Kind.String(),
		rec.LogTime.Unix(),
		nonNilBlob(rec.SerialNumber),
		txNumber,
		clientID,
		rec.Filename,
		rec.DER,
		boolInt(rec.Signed),
		boolInt(rec.CertificateExpired),
	)
	if err != nil {
		return fmt.Errorf("append: insert log message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chain_head SET signature_counter = ? WHERE id = 1`, rec.Counter); err != nil {
		return fmt.Errorf("append: update chain head: %w", err)
	}

	for _, e := range effects {
		if err := e.apply(ctx, tx, rec); err != nil {
			return fmt.Errorf("append: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append: commit: %w", err)
	}
	return nil
}

// Message returns the record with the given counter.
func (s *Store) Message(ctx context.Context, counter uint64) (Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecords+` WHERE signature_counter = ?`, counter)
	if err != nil {
		return Record{}, fmt.Errorf("get message: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, fmt.Errorf("get message: %w", err)
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("get message %d: %w", counter, ErrNotFound)
	}
	return recs[0], nil
}

// LastMessage returns the most recently committed record still in storage.
func (s *Store) LastMessage(ctx context.Context) (Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecords+` ORDER BY signature_counter DESC LIMIT 1`)
	if err != nil {
		return Record{}, fmt.Errorf("last message: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, fmt.Errorf("last message: %w", err)
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("last message: %w", ErrNotFound)
	}
	return recs[0], nil
}

const selectRecords = `
	SELECT signature_counter, kind, log_time, serial_number, transaction_number, client_id,
	       filename, der, signed, certificate_expired, exported
	FROM log_messages`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	recs := []Record{}
	for rows.Next() {
		var (
			r        Record
			kind     string
			logTime  int64
			txNumber sql.NullInt64
			clientID sql.NullString
			signed   int
			expired  int
			exported int
		)
		if err := rows.Scan(&r.Counter, &kind, &logTime, &r.SerialNumber, &txNumber, &clientID,
			&r.Filename, &r.DER, &signed, &expired, &exported); err != nil {
			return nil, fmt.Errorf("scan log message: %w", err)
		}
		k, err := logmsg.ParseKind(kind)
		if err != nil {
			return nil, err
		}
		r.Kind = k
		r.LogTime = time.Unix(logTime, 0).UTC()
		r.TransactionNumber = uint64(txNumber.Int64)
		r.ClientID = clientID.String
		r.Signed = signed != 0
		r.CertificateExpired = expired != 0
		r.Exported = exported != 0
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log messages: %w", err)
	}
	return recs, nil
}

func nonNilBlob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// notFoundIfNoRows maps sql.ErrNoRows to ErrNotFound.
func notFoundIfNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

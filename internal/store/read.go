package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/signer"
)

// TxState is the state of a transaction.
type TxState string

const (
	TxOpen   TxState = "open"
	TxClosed TxState = "closed"
)

// Transaction is the stored state of one transaction.
// FinishCounter is zero while the transaction is open.
type Transaction struct {
	Number        uint64
	ClientID      string
	ProcessType   string
	State         TxState
	StartCounter  uint64
	LastCounter   uint64
	FinishCounter uint64
	StartTime     time.Time
	LastTime      time.Time
}

// Filter selects log messages. Zero fields do not constrain.
// Counter and time bounds are inclusive.
type Filter struct {
	FromCounter uint64
	ToCounter   uint64
	From        *time.Time
	To          *time.Time
	Kinds       []logmsg.Kind

	// TransactionNumber restricts to TransactionLog messages of one transaction.
	TransactionNumber uint64
	ClientID          string
}

// TxFilter selects transactions by number range and client. Zero fields do not constrain.
type TxFilter struct {
	FromNumber uint64
	ToNumber   uint64
	ClientID   string
}

// Transaction returns the transaction with the given number.
func (s *Store) Transaction(ctx context.Context, number uint64) (Transaction, error) {
	return getTransaction(ctx, s.db, number)
}

// OpenTransactions returns all open transactions ordered by number.
func (s *Store) OpenTransactions(ctx context.Context) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransactions+` WHERE state = 'open' ORDER BY transaction_number`)
	if err != nil {
		return nil, fmt.Errorf("open transactions: %w", err)
	}
	return scanTransactions(rows)
}

// CountUnexported returns the number of stored log messages and restored
// files that have not been exported.
func (s *Store) CountUnexported(ctx context.Context) (int, error) {
	n, err := countUnexported(ctx, s.db, 0)
	if err != nil {
		return 0, fmt.Errorf("count unexported: %w", err)
	}
	return n, nil
}

// Snapshot is a consistent view of the store for the duration of one export.
// Commits that race with the snapshot are not visible through it.
type Snapshot struct {
	tx   *sql.Tx
	head Head
}

// View runs fn against a snapshot. The snapshot is one SQL transaction:
// marks written through it become durable only if fn returns nil.
func (s *Store) View(ctx context.Context, fn func(*Snapshot) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	head, err := readHead(ctx, tx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := fn(&Snapshot{tx: tx, head: head}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot: commit: %w", err)
	}
	return nil
}

// Head returns the chain head at the start of the snapshot.
func (sn *Snapshot) Head() Head {
	return sn.head
}

// Scan returns the log messages matching f in counter order.
func (sn *Snapshot) Scan(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []any
	if f.FromCounter > 0 {
		where = append(where, "signature_counter >= ?")
		args = append(args, f.FromCounter)
	}
	if f.ToCounter > 0 {
		where = append(where, "signature_counter <= ?")
		args = append(args, f.ToCounter)
	}
	if f.From != nil {
		where = append(where, "log_time >= ?")
		args = append(args, f.From.Unix())
	}
	if f.To != nil {
		where = append(where, "log_time <= ?")
		args = append(args, f.To.Unix())
	}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, k.String())
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if f.TransactionNumber > 0 {
		where = append(where, "kind = 'transaction' AND transaction_number = ?")
		args = append(args, f.TransactionNumber)
	}
	if f.ClientID != "" {
		where = append(where, "kind = 'transaction' AND client_id = ?")
		args = append(args, f.ClientID)
	}

	query := selectRecords
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY signature_counter"

	rows, err := sn.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan log messages: %w", err)
	}
	return scanRecords(rows)
}

// Transaction returns one transaction as of the snapshot.
func (sn *Snapshot) Transaction(ctx context.Context, number uint64) (Transaction, error) {
	return getTransaction(ctx, sn.tx, number)
}

// Transactions returns the transactions matching f ordered by number.
func (sn *Snapshot) Transactions(ctx context.Context, f TxFilter) ([]Transaction, error) {
	var where []string
	var args []any
	if f.FromNumber > 0 {
		where = append(where, "transaction_number >= ?")
		args = append(args, f.FromNumber)
	}
	if f.ToNumber > 0 {
		where = append(where, "transaction_number <= ?")
		args = append(args, f.ToNumber)
	}
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	query := selectTransactions
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY transaction_number"

	rows, err := sn.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return scanTransactions(rows)
}

// RestoredFiles returns every file imported by restore, ordered by filename.
func (sn *Snapshot) RestoredFiles(ctx context.Context) ([]RestoredFile, error) {
	rows, err := sn.tx.QueryContext(ctx, `
		SELECT filename, original_filename, der, restored_at, exported
		FROM restored_files ORDER BY filename
	`)
	if err != nil {
		return nil, fmt.Errorf("list restored files: %w", err)
	}
	defer rows.Close()

	files := []RestoredFile{}
	for rows.Next() {
		var f RestoredFile
		var at int64
		var exported int
		if err := rows.Scan(&f.Filename, &f.OriginalFilename, &f.DER, &at, &exported); err != nil {
			return nil, fmt.Errorf("scan restored file: %w", err)
		}
		f.RestoredAt = time.Unix(at, 0).UTC()
		f.Exported = exported != 0
		files = append(files, f)
	}
	return files, rows.Err()
}

// Certificates returns every stored certificate as of the snapshot.
func (sn *Snapshot) Certificates(ctx context.Context) ([]signer.Certificate, error) {
	return queryCertificates(ctx, sn.tx, ``)
}

// MarkExported flags log messages and restored files as exported.
func (sn *Snapshot) MarkExported(ctx context.Context, counters []uint64, restored []string) error {
	for _, c := range counters {
		if _, err := sn.tx.ExecContext(ctx, `UPDATE log_messages SET exported = 1 WHERE signature_counter = ?`, c); err != nil {
			return fmt.Errorf("mark exported: %w", err)
		}
	}
	for _, name := range restored {
		if _, err := sn.tx.ExecContext(ctx, `UPDATE restored_files SET exported = 1 WHERE filename = ?`, name); err != nil {
			return fmt.Errorf("mark exported: %w", err)
		}
	}
	return nil
}

const selectTransactions = `
	SELECT transaction_number, client_id, process_type, state, start_counter, last_counter,
	       finish_counter, start_time, last_time
	FROM transactions`

func getTransaction(ctx context.Context, q querier, number uint64) (Transaction, error) {
	rows, err := q.QueryContext(ctx, selectTransactions+` WHERE transaction_number = ?`, number)
	if err != nil {
		return Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	txs, err := scanTransactions(rows)
	if err != nil {
		return Transaction{}, err
	}
	if len(txs) == 0 {
		return Transaction{}, fmt.Errorf("get transaction %d: %w", number, ErrNotFound)
	}
	return txs[0], nil
}

func scanTransactions(rows *sql.Rows) ([]Transaction, error) {
	defer rows.Close()
	txs := []Transaction{}
	for rows.Next() {
		var t Transaction
		var state string
		var finish sql.NullInt64
		var start, last int64
		if err := rows.Scan(&t.Number, &t.ClientID, &t.ProcessType, &state, &t.StartCounter,
			&t.LastCounter, &finish, &start, &last); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.State = TxState(state)
		t.FinishCounter = uint64(finish.Int64)
		t.StartTime = time.Unix(start, 0).UTC()
		t.LastTime = time.Unix(last, 0).UTC()
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

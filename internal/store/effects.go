package store

import (
	"context"
	"database/sql"
	"fmt"
)

// TransactionStarted opens transaction Number with the appended message as
// its start. Number must be exactly the head transaction number + 1.
type TransactionStarted struct {
	Number      uint64
	ClientID    string
	ProcessType string
}

func (e TransactionStarted) apply(ctx context.Context, tx *sql.Tx, rec Record) error {
	head, err := readHead(ctx, tx)
	if err != nil {
		return err
	}
	if e.Number != head.TransactionNumber+1 {
		return fmt.Errorf("start transaction: %w: last number %d, got %d", ErrNonContiguous, head.TransactionNumber, e.Number)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions
		(transaction_number, client_id, process_type, state, start_counter, last_counter, start_time, last_time)
		VALUES (?, ?, ?, 'open', ?, ?, ?, ?)
	`, e.Number, e.ClientID, e.ProcessType, rec.Counter, rec.Counter, rec.LogTime.Unix(), rec.LogTime.Unix())
	if err != nil {
		return fmt.Errorf("start transaction: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chain_head SET transaction_number = ? WHERE id = 1`, e.Number); err != nil {
		return fmt.Errorf("start transaction: update chain head: %w", err)
	}
	return nil
}

// TransactionUpdated records the appended message as the latest of an open transaction.
type TransactionUpdated struct {
	Number      uint64
	ProcessType string
}

func (e TransactionUpdated) apply(ctx context.Context, tx *sql.Tx, rec Record) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions SET process_type = ?, last_counter = ?, last_time = ?
		WHERE transaction_number = ? AND state = 'open'
	`, e.ProcessType, rec.Counter, rec.LogTime.Unix(), e.Number)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return requireOneRow(res, "update transaction", e.Number)
}

// TransactionFinished closes an open transaction at the appended message.
type TransactionFinished struct {
	Number      uint64
	ProcessType string
}

func (e TransactionFinished) apply(ctx context.Context, tx *sql.Tx, rec Record) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET state = 'closed', process_type = ?, last_counter = ?, finish_counter = ?, last_time = ?
		WHERE transaction_number = ? AND state = 'open'
	`, e.ProcessType, rec.Counter, rec.Counter, rec.LogTime.Unix(), e.Number)
	if err != nil {
		return fmt.Errorf("finish transaction: %w", err)
	}
	return requireOneRow(res, "finish transaction", e.Number)
}

// UserUpdated writes the user row.
type UserUpdated struct {
	User User
}

func (e UserUpdated) apply(ctx context.Context, tx *sql.Tx, _ Record) error {
	return putUser(ctx, tx, e.User)
}

// LifecycleChanged moves the device to State. From must match the stored state.
type LifecycleChanged struct {
	From        Lifecycle
	State       Lifecycle
	Description string
}

func (e LifecycleChanged) apply(ctx context.Context, tx *sql.Tx, _ Record) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE device SET lifecycle = ?, description = CASE WHEN ? = '' THEN description ELSE ? END
		WHERE id = 1 AND lifecycle = ?
	`, string(e.State), e.Description, e.Description, string(e.From))
	if err != nil {
		return fmt.Errorf("change lifecycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("change lifecycle: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("change lifecycle %s -> %s: %w", e.From, e.State, ErrConflict)
	}
	return nil
}

// StoredDataDeleted removes every exported log message and restored file.
// Fails with ErrUnexported if anything other than the appended message has
// not been exported. Open transactions and the chain head are kept.
type StoredDataDeleted struct{}

func (StoredDataDeleted) apply(ctx context.Context, tx *sql.Tx, rec Record) error {
	pending, err := countUnexported(ctx, tx, rec.Counter)
	if err != nil {
		return fmt.Errorf("delete stored data: %w", err)
	}
	if pending > 0 {
		return fmt.Errorf("delete stored data: %d records: %w", pending, ErrUnexported)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM log_messages WHERE exported = 1 AND signature_counter <> ?`, rec.Counter); err != nil {
		return fmt.Errorf("delete stored data: log messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM restored_files WHERE exported = 1`); err != nil {
		return fmt.Errorf("delete stored data: restored files: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE state = 'closed'`); err != nil {
		return fmt.Errorf("delete stored data: transactions: %w", err)
	}
	return nil
}

func countUnexported(ctx context.Context, q querier, exceptCounter uint64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM log_messages WHERE exported = 0 AND signature_counter <> ?)
		     + (SELECT COUNT(*) FROM restored_files WHERE exported = 0)
	`, exceptCounter).Scan(&n)
	return n, err
}

func requireOneRow(res sql.Result, op string, number uint64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("%s %d: %w", op, number, ErrNotFound)
	}
	return nil
}

package seapi

import (
	"context"

	"github.com/roach88/seapi/internal/auth"
	"github.com/roach88/seapi/internal/export"
	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/store"
	"github.com/roach88/seapi/internal/transaction"
)

// StartTransaction opens a transaction for req.ClientID.
func (se *SE) StartTransaction(ctx context.Context, req transaction.StartRequest) (transaction.Result, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("startTransaction", notDisabled, initialized, timeSet); err != nil {
		return transaction.Result{}, err
	}
	return se.tx.Start(ctx, req)
}

// UpdateTransaction logs process data for an open transaction.
func (se *SE) UpdateTransaction(ctx context.Context, req transaction.UpdateRequest) (transaction.Result, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("updateTransaction", notDisabled, initialized, timeSet); err != nil {
		return transaction.Result{}, err
	}
	return se.tx.Update(ctx, req)
}

// FinishTransaction closes an open transaction.
func (se *SE) FinishTransaction(ctx context.Context, req transaction.FinishRequest) (transaction.Result, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("finishTransaction", notDisabled, initialized, timeSet); err != nil {
		return transaction.Result{}, err
	}
	return se.tx.Finish(ctx, req)
}

// OpenTransactions lists the open transaction numbers, optionally for one client.
func (se *SE) OpenTransactions(clientID string) []uint64 {
	return se.tx.OpenTransactions(clientID)
}

// MaxNumberOfClients returns the client capacity.
func (se *SE) MaxNumberOfClients() (int, error) {
	return readSetting(se, "getMaxNumberOfClients", se.tx.MaxNumberOfClients)
}

// CurrentNumberOfClients returns the number of clients with open transactions.
func (se *SE) CurrentNumberOfClients() (int, error) {
	return readSetting(se, "getCurrentNumberOfClients", se.tx.CurrentNumberOfClients)
}

// MaxNumberOfTransactions returns the transaction capacity.
func (se *SE) MaxNumberOfTransactions() (int, error) {
	return readSetting(se, "getMaxNumberOfTransactions", se.tx.MaxNumberOfTransactions)
}

// CurrentNumberOfTransactions returns the number of open transactions.
func (se *SE) CurrentNumberOfTransactions() (int, error) {
	return readSetting(se, "getCurrentNumberOfTransactions", se.tx.CurrentNumberOfTransactions)
}

// SupportedTransactionUpdateVariants returns the configured update variant.
func (se *SE) SupportedTransactionUpdateVariants() (transaction.UpdateVariant, error) {
	return readSetting(se, "getSupportedTransactionUpdateVariants", se.tx.SupportedUpdateVariants)
}

func readSetting[T any](se *SE, op string, get func() T) (T, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check(op, notDisabled, initialized); err != nil {
		var zero T
		return zero, err
	}
	return get(), nil
}

// ExportData exports the log messages selected by q. Requires an initialized
// device and stays available once it is disabled.
func (se *SE) ExportData(ctx context.Context, q export.Query) (export.Archive, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("exportData", initializedOnce); err != nil {
		return export.Archive{}, err
	}
	return se.exporter.Export(ctx, q)
}

// ExportCertificates returns a TAR archive of the stored certificate chains.
func (se *SE) ExportCertificates(ctx context.Context) ([]byte, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("exportCertificates", initializedOnce); err != nil {
		return nil, err
	}
	return se.exporter.Certificates(ctx)
}

// ExportSerialNumbers returns the DER-encoded serial number list.
func (se *SE) ExportSerialNumbers(ctx context.Context) ([]byte, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("exportSerialNumbers", initializedOnce); err != nil {
		return nil, err
	}
	return se.exporter.SerialNumbers(ctx)
}

// RestoreFromBackup imports an export archive into an initialized device.
// Requires an authorized admin session.
func (se *SE) RestoreFromBackup(ctx context.Context, userID string, data []byte) (store.RestoreResult, error) {
	const op = "restoreFromBackup"
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check(op, notDisabled, initialized); err != nil {
		return store.RestoreResult{}, err
	}
	if err := se.auth.Authorize(userID, auth.OpRestore); err != nil {
		return store.RestoreResult{}, seerr.Recode(op, seerr.CodeOf(err), err)
	}
	return se.exporter.Restore(ctx, data)
}

// ReadLogMessage returns the DER encoding of the last committed log message.
// Stays available once the device is disabled.
func (se *SE) ReadLogMessage(ctx context.Context) ([]byte, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("readLogMessage", initializedOnce); err != nil {
		return nil, err
	}
	rec, err := se.seq.LastRecord(ctx)
	if err != nil {
		return nil, err
	}
	return rec.DER, nil
}

// LastLogMessage is like ReadLogMessage but returns the decoded message.
func (se *SE) LastLogMessage(ctx context.Context) (logmsg.LogMessage, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("readLogMessage", initializedOnce); err != nil {
		return logmsg.LogMessage{}, err
	}
	return se.seq.Last(ctx)
}

// AuthenticateUser checks pin for userID and opens a session on success.
// Authentication does not require initialization.
func (se *SE) AuthenticateUser(ctx context.Context, userID, pin string) (auth.Outcome, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("authenticateUser", notDisabled); err != nil {
		return auth.Outcome{Result: auth.ResultFailed}, err
	}
	return se.auth.Authenticate(ctx, userID, pin)
}

// LogOut closes the session of userID.
func (se *SE) LogOut(ctx context.Context, userID string) error {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("logOut", notDisabled); err != nil {
		return err
	}
	return se.auth.LogOut(ctx, userID)
}

// UnblockUser resets the PIN of userID after checking puk.
func (se *SE) UnblockUser(ctx context.Context, userID, puk, newPIN string) (auth.UnblockResult, error) {
	se.mu.RLock()
	defer se.mu.RUnlock()
	if err := se.check("unblockUser", notDisabled); err != nil {
		return auth.UnblockError, err
	}
	return se.auth.Unblock(ctx, userID, puk, newPIN)
}

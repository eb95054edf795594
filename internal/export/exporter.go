// Package export produces TAR archives of committed log messages and
// certificates, and restores such archives into the store.
//
// Every export reads one store snapshot, so an archive never contains a
// partially committed message. An export either returns the complete
// matching set or fails without an archive.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/seapi/internal/clock"
	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/signer"
	"github.com/roach88/seapi/internal/store"
)

// Store is the snapshot and restore capability of *store.Store.
type Store interface {
	View(ctx context.Context, fn func(*store.Snapshot) error) error
	Restore(ctx context.Context, files []store.RestoredFile, certs []signer.Certificate, at time.Time) (store.RestoreResult, error)
}

// Observer is notified of finished exports. Implemented by *metrics.Metrics.
type Observer interface {
	Exported(scope string, records int, code seerr.Code)
}

// Archive is the result of an export.
type Archive struct {
	ID           string
	Data         []byte
	Records      int
	Certificates int
}

// Exporter runs export and restore operations.
type Exporter struct {
	store       Store
	clock       clock.Clock
	ids         IDGenerator
	description string
	logger      *slog.Logger
	observer    Observer
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.logger = l }
}

// WithIDGenerator sets the archive id source. Defaults to UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Exporter) { e.ids = g }
}

// WithDescription sets the device description recorded in manifests.
func WithDescription(d string) Option {
	return func(e *Exporter) { e.description = d }
}

// WithObserver registers an export observer.
func WithObserver(o Observer) Option {
	return func(e *Exporter) { e.observer = o }
}

// New creates an exporter.
func New(st Store, clk clock.Clock, opts ...Option) *Exporter {
	e := &Exporter{store: st, clock: clk, ids: UUIDv7Generator{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// match is the selected content of one export.
type match struct {
	records  []store.Record
	restored []store.RestoredFile
	serials  map[string]bool
}

func (m match) count() int { return len(m.records) + len(m.restored) }

// Export builds the archive for q and marks its content exported.
//
// Failure modes, all without an archive:
//   - invalid parameter combination: ERROR_PARAMETER_MISMATCH
//   - no transaction in the requested numbers: ERROR_TRANSACTION_NUMBER_NOT_FOUND
//   - transactions exist but none for the client: ERROR_ID_NOT_FOUND
//   - nothing else matched: ERROR_NO_DATA_AVAILABLE
//   - more than q.MaxRecords messages: ERROR_TOO_MANY_RECORDS
func (e *Exporter) Export(ctx context.Context, q Query) (Archive, error) {
	const op = "exportData"
	if err := q.validate(); err != nil {
		return Archive{}, e.done(q, 0, seerr.Wrap(op, seerr.ParameterMismatch, err))
	}

	var archive Archive
	err := e.store.View(ctx, func(sn *store.Snapshot) error {
		m, err := e.match(ctx, sn, q)
		if err != nil {
			return err
		}
		if q.MaxRecords > 0 && int64(m.count()) > q.MaxRecords {
			return seerr.Wrap(op, seerr.TooManyRecords,
				fmt.Errorf("%d records match, maximum is %d", m.count(), q.MaxRecords))
		}

		certs, err := sn.Certificates(ctx)
		if err != nil {
			return seerr.Wrap(op, seerr.StorageFailure, err)
		}
		if q.Scope != ScopeAll {
			certs = slices.DeleteFunc(certs, func(c signer.Certificate) bool {
				return !m.serials[string(c.SerialNumber)]
			})
		}

		archive, err = e.build(q, m, certs)
		if err != nil {
			return seerr.Wrap(op, seerr.StorageFailure, err)
		}

		counters := make([]uint64, len(m.records))
		for i, r := range m.records {
			counters[i] = r.Counter
		}
		restored := make([]string, len(m.restored))
		for i, f := range m.restored {
			restored[i] = f.Filename
		}
		if err := sn.MarkExported(ctx, counters, restored); err != nil {
			return seerr.Wrap(op, seerr.StorageFailure, err)
		}
		return nil
	})
	if err != nil {
		return Archive{}, e.done(q, 0, mustCode(op, seerr.StorageFailure, err))
	}

	e.logger.Info("data exported",
		"archive_id", archive.ID,
		"scope", q.Scope,
		"records", archive.Records,
		"certificates", archive.Certificates,
	)
	return archive, e.done(q, archive.Records, nil)
}

func (e *Exporter) done(q Query, records int, err error) error {
	if e.observer != nil {
		e.observer.Exported(q.Scope.String(), records, seerr.CodeOf(err))
	}
	if err != nil {
		e.logger.Warn("export failed", "scope", q.Scope, "error", err)
	}
	return err
}

func (e *Exporter) match(ctx context.Context, sn *store.Snapshot, q Query) (match, error) {
	const op = "exportData"
	m := match{serials: make(map[string]bool)}
	var err error

	switch q.Scope {
	case ScopeAll:
		if m.records, err = sn.Scan(ctx, store.Filter{}); err != nil {
			return match{}, seerr.Wrap(op, seerr.StorageFailure, err)
		}
		if m.restored, err = sn.RestoredFiles(ctx); err != nil {
			return match{}, seerr.Wrap(op, seerr.StorageFailure, err)
		}

	case ScopeTransaction, ScopeTransactionInterval:
		txs, err := e.transactions(ctx, sn, q)
		if err != nil {
			return match{}, err
		}
		if m.records, err = transactionScope(ctx, sn, txs); err != nil {
			return match{}, seerr.Wrap(op, seerr.StorageFailure, err)
		}

	case ScopePeriod:
		if q.ClientID != "" {
			known, err := sn.Transactions(ctx, store.TxFilter{ClientID: q.ClientID})
			if err != nil {
				return match{}, seerr.Wrap(op, seerr.StorageFailure, err)
			}
			if len(known) == 0 {
				return match{}, seerr.Wrap(op, seerr.IDNotFound, fmt.Errorf("client %q has no transactions", q.ClientID))
			}
		}
		m.records, err = sn.Scan(ctx, store.Filter{From: q.StartDate, To: q.EndDate, ClientID: q.ClientID})
		if err != nil {
			return match{}, seerr.Wrap(op, seerr.StorageFailure, err)
		}
	}

	if m.count() == 0 {
		return match{}, seerr.New(op, seerr.NoDataAvailable)
	}
	for _, r := range m.records {
		if len(r.SerialNumber) > 0 {
			m.serials[string(r.SerialNumber)] = true
		}
	}
	return m, nil
}

// transactions resolves the transactions addressed by a transaction-scoped query.
func (e *Exporter) transactions(ctx context.Context, sn *store.Snapshot, q Query) ([]store.Transaction, error) {
	const op = "exportData"
	f := store.TxFilter{FromNumber: q.StartTransactionNumber, ToNumber: q.EndTransactionNumber}
	if q.Scope == ScopeTransaction {
		f = store.TxFilter{FromNumber: q.TransactionNumber, ToNumber: q.TransactionNumber}
	}
	txs, err := sn.Transactions(ctx, f)
	if err != nil {
		return nil, seerr.Wrap(op, seerr.StorageFailure, err)
	}
	if len(txs) == 0 {
		return nil, seerr.New(op, seerr.TransactionNumberNotFound)
	}
	if q.ClientID == "" {
		return txs, nil
	}
	txs = slices.DeleteFunc(txs, func(t store.Transaction) bool { return t.ClientID != q.ClientID })
	if len(txs) == 0 {
		return nil, seerr.Wrap(op, seerr.IDNotFound, fmt.Errorf("no transaction of client %q", q.ClientID))
	}
	return txs, nil
}

// transactionScope returns the TransactionLog messages of txs plus every
// system and audit message whose counter lies within a transaction's
// [startCounter, finishCounter]. Open transactions extend to the snapshot head.
func transactionScope(ctx context.Context, sn *store.Snapshot, txs []store.Transaction) ([]store.Record, error) {
	byCounter := make(map[uint64]store.Record)
	for _, t := range txs {
		own, err := sn.Scan(ctx, store.Filter{TransactionNumber: t.Number})
		if err != nil {
			return nil, err
		}
		upper := t.FinishCounter
		if t.State == store.TxOpen {
			upper = sn.Head().SignatureCounter
		}
		interleaved, err := sn.Scan(ctx, store.Filter{
			FromCounter: t.StartCounter,
			ToCounter:   upper,
			Kinds:       []logmsg.Kind{logmsg.SystemLog, logmsg.AuditLog},
		})
		if err != nil {
			return nil, err
		}
		for _, r := range append(own, interleaved...) {
			byCounter[r.Counter] = r
		}
	}

	records := make([]store.Record, 0, len(byCounter))
	for _, r := range byCounter {
		records = append(records, r)
	}
	slices.SortFunc(records, func(a, b store.Record) int {
		switch {
		case a.Counter < b.Counter:
			return -1
		case a.Counter > b.Counter:
			return 1
		}
		return 0
	})
	return records, nil
}

func (e *Exporter) build(q Query, m match, certs []signer.Certificate) (Archive, error) {
	created := e.clock.Now().UTC()
	manifest := Manifest{
		ArchiveID:    e.ids.Generate(),
		Created:      created,
		Description:  e.description,
		Filter:       manifestFilter(q),
		Records:      m.count(),
		Files:        []ManifestFile{},
		Certificates: []ManifestCert{},
	}

	w := newArchiveWriter()
	for _, r := range m.records {
		name, err := w.add(r.Filename, r.DER, r.LogTime)
		if err != nil {
			return Archive{}, err
		}
		manifest.Files = append(manifest.Files, ManifestFile{Name: name, Digest: logmsg.FileDigest(r.DER)})
	}
	for _, f := range m.restored {
		name, err := w.add(f.Filename, f.DER, f.RestoredAt)
		if err != nil {
			return Archive{}, err
		}
		manifest.Files = append(manifest.Files, ManifestFile{Name: name, Digest: logmsg.FileDigest(f.DER)})
	}
	for _, c := range certs {
		mc, err := w.addCertificate(c, c.ValidFrom)
		if err != nil {
			return Archive{}, err
		}
		manifest.Certificates = append(manifest.Certificates, mc)
	}

	data, err := w.finish(manifest)
	if err != nil {
		return Archive{}, err
	}
	return Archive{
		ID:           manifest.ArchiveID,
		Data:         data,
		Records:      manifest.Records,
		Certificates: len(manifest.Certificates),
	}, nil
}

// Certificates returns a TAR archive of every stored certificate chain.
// Fails with ERROR_EXPORT_CERT_FAILED if none is stored.
func (e *Exporter) Certificates(ctx context.Context) ([]byte, error) {
	const op = "exportCertificates"
	var data []byte
	err := e.store.View(ctx, func(sn *store.Snapshot) error {
		certs, err := sn.Certificates(ctx)
		if err != nil {
			return seerr.Wrap(op, seerr.ExportCertFailed, err)
		}
		if len(certs) == 0 {
			return seerr.Wrap(op, seerr.ExportCertFailed, errors.New("no certificates stored"))
		}
		w := newArchiveWriter()
		for _, c := range certs {
			if _, err := w.add(CertificateFilename(c.SerialNumber), store.JoinChain(c.Chain), c.ValidFrom); err != nil {
				return seerr.Wrap(op, seerr.ExportCertFailed, err)
			}
		}
		if err := w.tw.Close(); err != nil {
			return seerr.Wrap(op, seerr.ExportCertFailed, err)
		}
		data = w.buf.Bytes()
		return nil
	})
	if err != nil {
		return nil, mustCode(op, seerr.ExportCertFailed, err)
	}
	return data, nil
}

// SerialNumbers returns the DER-encoded serial numbers of every stored
// certificate. Fails with ERROR_EXPORT_SERIAL_NUMBERS_FAILED if none is stored.
func (e *Exporter) SerialNumbers(ctx context.Context) ([]byte, error) {
	const op = "exportSerialNumbers"
	var der []byte
	err := e.store.View(ctx, func(sn *store.Snapshot) error {
		certs, err := sn.Certificates(ctx)
		if err != nil {
			return err
		}
		if len(certs) == 0 {
			return errors.New("no certificates stored")
		}
		der, err = encodeSerialNumbers(certs)
		return err
	})
	if err != nil {
		return nil, mustCode(op, seerr.ExportSerialNumbersFailed, err)
	}
	return der, nil
}

// Restore imports an archive produced by Export.
//
// The archive is read and verified in full before anything is written, and
// all writes happen in one store transaction: a failed restore leaves the
// store unchanged. Any failure is reported as ERROR_RESTORE_FAILED.
func (e *Exporter) Restore(ctx context.Context, data []byte) (store.RestoreResult, error) {
	const op = "restoreFromBackup"
	p, err := readArchive(data)
	if err != nil {
		e.logger.Warn("restore rejected", "error", err)
		return store.RestoreResult{}, seerr.Wrap(op, seerr.RestoreFailed, err)
	}
	res, err := e.store.Restore(ctx, p.files, p.certificates, e.clock.Now())
	if err != nil {
		e.logger.Error("restore failed", "archive_id", p.manifest.ArchiveID, "error", err)
		return store.RestoreResult{}, seerr.Wrap(op, seerr.RestoreFailed, err)
	}

	renamed := 0
	for orig, stored := range res.Files {
		if orig != stored {
			renamed++
		}
	}
	e.logger.Info("backup restored",
		"archive_id", p.manifest.ArchiveID,
		"files", len(res.Files),
		"renamed", renamed,
		"certificates_added", res.CertificatesAdded,
		"certificates_skipped", res.CertificatesSkipped,
	)
	return res, nil
}

// mustCode keeps a coded error and assigns code to anything else.
func mustCode(op string, code seerr.Code, err error) error {
	var se *seerr.Error
	if errors.As(err, &se) {
		return err
	}
	return seerr.Wrap(op, code, err)
}

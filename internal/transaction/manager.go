// Package transaction implements the start → update* → finish lifecycle of
// transactions on top of the log chain.
//
// Every transition is committed through the sequencer as a TransactionLog
// message together with the store effect that moves the transaction row, so
// transaction state and the log can never disagree after a crash. Open
// transactions are reloaded from the store when a Manager is created.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/sequencer"
	"github.com/roach88/seapi/internal/store"
)

// MaxProcessTypeLength is the maximum processType length in characters.
const MaxProcessTypeLength = 100

// Sequencer commits log messages. Implemented by *sequencer.Sequencer.
type Sequencer interface {
	Commit(ctx context.Context, req sequencer.Request) (logmsg.LogMessage, error)
}

// Store provides the durable transaction state. Implemented by *store.Store.
type Store interface {
	Head(ctx context.Context) (store.Head, error)
	OpenTransactions(ctx context.Context) ([]store.Transaction, error)
}

// Config holds the capacity limits and the update variant.
type Config struct {
	MaxTransactions int
	MaxClients      int
	UpdateVariant   UpdateVariant
}

// StartRequest opens a transaction.
type StartRequest struct {
	ClientID               string
	ProcessData            []byte
	ProcessType            string
	AdditionalExternalData []byte
}

// UpdateRequest logs process data for an open transaction.
// Unsigned requests an unsigned update where the update variant allows it.
type UpdateRequest struct {
	ClientID          string
	TransactionNumber uint64
	ProcessData       []byte
	ProcessType       string
	Unsigned          bool
}

// FinishRequest closes an open transaction.
type FinishRequest struct {
	ClientID               string
	TransactionNumber      uint64
	ProcessData            []byte
	ProcessType            string
	AdditionalExternalData []byte
}

// Result describes the log message committed for a transition.
type Result struct {
	TransactionNumber uint64
	SignatureCounter  uint64
	LogTime           time.Time
	SerialNumber      []byte
	SignatureValue    []byte
}

type entry struct {
	mu          sync.Mutex
	number      uint64
	clientID    string
	processType string
	closed      bool
}

// Manager tracks open transactions.
//
// Starts are serialized so transaction numbers are assigned without gaps.
// Updates and finishes lock only the transaction they address.
type Manager struct {
	store   Store
	seq     Sequencer
	variant UpdateVariant
	logger  *slog.Logger

	startMu    sync.Mutex
	lastNumber uint64 // guarded by startMu

	mu       sync.Mutex
	open     map[uint64]*entry
	capacity *Capacity
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a manager and reloads the open transactions from st.
func New(ctx context.Context, st Store, seq Sequencer, cfg Config, opts ...Option) (*Manager, error) {
	head, err := st.Head(ctx)
	if err != nil {
		return nil, seerr.Wrap("open transactions", seerr.StorageFailure, err)
	}
	open, err := st.OpenTransactions(ctx)
	if err != nil {
		return nil, seerr.Wrap("open transactions", seerr.StorageFailure, err)
	}

	m := &Manager{
		store:      st,
		seq:        seq,
		variant:    cfg.UpdateVariant,
		logger:     slog.Default(),
		lastNumber: head.TransactionNumber,
		open:       make(map[uint64]*entry, len(open)),
		capacity:   NewCapacity(cfg.MaxTransactions, cfg.MaxClients),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, t := range open {
		m.open[t.Number] = &entry{number: t.Number, clientID: t.ClientID, processType: t.ProcessType}
		m.capacity.Acquire(t.ClientID)
	}
	if len(open) > 0 {
		m.logger.Info("reloaded open transactions", "count", len(open), "last_number", head.TransactionNumber)
	}
	return m, nil
}

// Start opens a new transaction for req.ClientID.
//
// Fails with ERROR_START_TRANSACTION_FAILED if the input is invalid or the
// transaction or client capacity is exhausted. With ERROR_CERTIFICATE_EXPIRED
// the transaction has been started and the result is valid.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Result, error) {
	const op = "startTransaction"
	processType, err := normalizeProcessType(req.ProcessType)
	if err != nil {
		return Result{}, seerr.Wrap(op, seerr.StartTransactionFailed, err)
	}
	if req.ClientID == "" {
		return Result{}, seerr.Wrap(op, seerr.StartTransactionFailed, errors.New("missing client id"))
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	// Starts are serialized and releases only free capacity, so the check
	// stays valid until Acquire below.
	m.mu.Lock()
	err = m.capacity.Check(req.ClientID)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("start transaction rejected", "client_id", req.ClientID, "error", err)
		return Result{}, seerr.Wrap(op, seerr.StartTransactionFailed, err)
	}

	number := m.lastNumber + 1
	msg, err := m.seq.Commit(ctx, sequencer.Request{
		Payload: logmsg.TransactionData{
			Operation:              logmsg.OpStart,
			ClientID:               req.ClientID,
			ProcessData:            req.ProcessData,
			ProcessType:            processType,
			TransactionNumber:      number,
			AdditionalExternalData: req.AdditionalExternalData,
		},
		Effects: []store.Effect{store.TransactionStarted{
			Number:      number,
			ClientID:    req.ClientID,
			ProcessType: processType,
		}},
	})
	if !committed(err) {
		if errors.Is(err, store.ErrNonContiguous) {
			m.resyncNumber(ctx)
		}
		return Result{}, err
	}

	m.lastNumber = number
	m.mu.Lock()
	m.open[number] = &entry{number: number, clientID: req.ClientID, processType: processType}
	m.capacity.Acquire(req.ClientID)
	m.mu.Unlock()

	m.logger.Info("transaction started",
		"transaction_number", number,
		"client_id", req.ClientID,
		"signature_counter", msg.SignatureCounter,
	)
	return resultOf(number, msg), err
}

// Update logs new process data for an open transaction.
//
// Fails with ERROR_NO_TRANSACTION if no open transaction with that number
// belongs to req.ClientID, and with ERROR_UPDATE_TRANSACTION_FAILED for
// invalid input or an update kind the device does not support.
func (m *Manager) Update(ctx context.Context, req UpdateRequest) (Result, error) {
	const op = "updateTransaction"
	processType, err := normalizeProcessType(req.ProcessType)
	if err != nil {
		return Result{}, seerr.Wrap(op, seerr.UpdateTransactionFailed, err)
	}
	unsigned, ok := m.variant.unsigned(req.Unsigned)
	if !ok {
		return Result{}, seerr.Wrap(op, seerr.UpdateTransactionFailed,
			fmt.Errorf("unsigned updates not supported with %s", m.variant))
	}

	e, err := m.lookup(op, req.TransactionNumber, req.ClientID)
	if err != nil {
		return Result{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Result{}, noTransaction(op, req.TransactionNumber)
	}

	msg, err := m.seq.Commit(ctx, sequencer.Request{
		Payload: logmsg.TransactionData{
			Operation:         logmsg.OpUpdate,
			ClientID:          req.ClientID,
			ProcessData:       req.ProcessData,
			ProcessType:       processType,
			TransactionNumber: e.number,
		},
		Unsigned: unsigned,
		Effects:  []store.Effect{store.TransactionUpdated{Number: e.number, ProcessType: processType}},
	})
	if !committed(err) {
		return Result{}, err
	}
	e.processType = processType

	m.logger.Debug("transaction updated",
		"transaction_number", e.number,
		"signature_counter", msg.SignatureCounter,
		"signed", msg.Signed(),
	)
	return resultOf(e.number, msg), err
}

// Finish closes an open transaction. A closed transaction stays in the
// store for export but can no longer be addressed.
func (m *Manager) Finish(ctx context.Context, req FinishRequest) (Result, error) {
	const op = "finishTransaction"
	processType, err := normalizeProcessType(req.ProcessType)
	if err != nil {
		return Result{}, seerr.Wrap(op, seerr.FinishTransactionFailed, err)
	}

	e, err := m.lookup(op, req.TransactionNumber, req.ClientID)
	if err != nil {
		return Result{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Result{}, noTransaction(op, req.TransactionNumber)
	}

	msg, err := m.seq.Commit(ctx, sequencer.Request{
		Payload: logmsg.TransactionData{
			Operation:              logmsg.OpFinish,
			ClientID:               req.ClientID,
			ProcessData:            req.ProcessData,
			ProcessType:            processType,
			TransactionNumber:      e.number,
			AdditionalExternalData: req.AdditionalExternalData,
		},
		Effects: []store.Effect{store.TransactionFinished{Number: e.number, ProcessType: processType}},
	})
	if !committed(err) {
		return Result{}, err
	}

	e.closed = true
	m.mu.Lock()
	delete(m.open, e.number)
	m.capacity.Release(e.clientID)
	m.mu.Unlock()

	m.logger.Info("transaction finished",
		"transaction_number", e.number,
		"client_id", e.clientID,
		"signature_counter", msg.SignatureCounter,
	)
	return resultOf(e.number, msg), err
}

// CurrentNumberOfTransactions returns the number of open transactions.
func (m *Manager) CurrentNumberOfTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity.Transactions()
}

// MaxNumberOfTransactions returns the configured transaction limit.
func (m *Manager) MaxNumberOfTransactions() int {
	return m.capacity.MaxTransactions()
}

// CurrentNumberOfClients returns the number of clients with open transactions.
func (m *Manager) CurrentNumberOfClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity.Clients()
}

// MaxNumberOfClients returns the configured client limit.
func (m *Manager) MaxNumberOfClients() int {
	return m.capacity.MaxClients()
}

// SupportedUpdateVariants returns the configured update variant.
func (m *Manager) SupportedUpdateVariants() UpdateVariant {
	return m.variant
}

// OpenTransactions returns the numbers of open transactions, ascending.
// A non-empty clientID restricts the result to that client.
func (m *Manager) OpenTransactions(clientID string) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	numbers := make([]uint64, 0, len(m.open))
	for n, e := range m.open {
		if clientID == "" || e.clientID == clientID {
			numbers = append(numbers, n)
		}
	}
	slices.Sort(numbers)
	return numbers
}

func (m *Manager) lookup(op string, number uint64, clientID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.open[number]
	if !ok || e.clientID != clientID {
		return nil, noTransaction(op, number)
	}
	return e, nil
}

// resyncNumber reloads the last transaction number after the store rejected
// a start. Callers hold startMu.
func (m *Manager) resyncNumber(ctx context.Context) {
	head, err := m.store.Head(ctx)
	if err != nil {
		m.logger.Error("resync transaction number", "error", err)
		return
	}
	m.lastNumber = head.TransactionNumber
}

func noTransaction(op string, number uint64) error {
	return seerr.Wrap(op, seerr.NoTransaction, fmt.Errorf("no open transaction %d for client", number))
}

// committed reports whether a commit error still left the message durable.
func committed(err error) bool {
	return err == nil || seerr.Is(err, seerr.CertificateExpired)
}

func resultOf(number uint64, msg logmsg.LogMessage) Result {
	return Result{
		TransactionNumber: number,
		SignatureCounter:  msg.SignatureCounter,
		LogTime:           msg.LogTime,
		SerialNumber:      msg.SerialNumber,
		SignatureValue:    msg.SignatureValue,
	}
}

func normalizeProcessType(s string) (string, error) {
	n := norm.NFC.String(s)
	if utf8.RuneCountInString(n) > MaxProcessTypeLength {
		return "", fmt.Errorf("process type longer than %d characters", MaxProcessTypeLength)
	}
	return n, nil
}

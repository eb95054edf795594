// Package sequencer owns the global signature counter.
//
// Every log message, whatever its kind, is created, signed and committed by
// Sequencer.Commit while holding a single mutex. The counter value is taken
// from the durable chain head on Open and advanced only after the store has
// committed the record, so counters are strictly increasing, never reused,
// and gap-free across restarts.
package sequencer

import (
	"bytes"
	"context"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/seapi/internal/certgate"
	"github.com/roach88/seapi/internal/clock"
	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/signer"
	"github.com/roach88/seapi/internal/store"
)

// Store is the durable log used by the sequencer. Implemented by *store.Store.
type Store interface {
	Head(ctx context.Context) (store.Head, error)
	Append(ctx context.Context, rec store.Record, effects ...store.Effect) error
	LastMessage(ctx context.Context) (store.Record, error)
}

// Gate signs messages. Implemented by *certgate.Gate.
type Gate interface {
	Active(ctx context.Context, purpose signer.KeyPurpose) (signer.Certificate, error)
	Sign(ctx context.Context, purpose signer.KeyPurpose, payload []byte) (certgate.Signature, error)
	Algorithm() asn1.ObjectIdentifier
}

// Observer is notified of commit outcomes. Implemented by *metrics.Metrics.
type Observer interface {
	Committed(kind logmsg.Kind, certificateExpired bool)
	CommitFailed(kind logmsg.Kind, code seerr.Code)
}

// Request describes one message to commit.
type Request struct {
	Payload logmsg.Payload

	// Unsigned commits the message without a signature or serial number.
	Unsigned bool

	// Effects are applied in the same store transaction as the message.
	Effects []store.Effect
}

// Sequencer serializes all commits to the log chain.
type Sequencer struct {
	mu       sync.Mutex
	store    Store
	gate     Gate
	clock    clock.Clock
	counter  *Counter
	logger   *slog.Logger
	observer Observer
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// WithObserver registers a commit observer.
func WithObserver(o Observer) Option {
	return func(s *Sequencer) { s.observer = o }
}

// Open creates a sequencer positioned at the store's durable chain head.
func Open(ctx context.Context, st Store, gate Gate, clk clock.Clock, opts ...Option) (*Sequencer, error) {
	head, err := st.Head(ctx)
	if err != nil {
		return nil, seerr.Wrap("open sequencer", seerr.StorageFailure, err)
	}
	s := &Sequencer{
		store:   st,
		gate:    gate,
		clock:   clk,
		counter: NewCounterAt(head.SignatureCounter),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug("sequencer opened", "signature_counter", head.SignatureCounter)
	return s, nil
}

// Current returns the last committed signature counter.
func (s *Sequencer) Current() uint64 {
	return s.counter.Current()
}

// Commit creates, signs and durably stores one log message.
//
// The returned message is committed whenever the error is nil or carries
// ERROR_CERTIFICATE_EXPIRED; in the expired case the record is durable and
// the error only reports the certificate state. Any other error means
// nothing was stored and the counter did not move.
func (s *Sequencer) Commit(ctx context.Context, req Request) (logmsg.LogMessage, error) {
	if req.Payload == nil {
		return logmsg.LogMessage{}, errors.New("commit: missing payload")
	}
	kind := req.Payload.Kind()

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.commitLocked(ctx, req)
	if err != nil {
		s.logger.Error("commit failed",
			"kind", kind,
			"signature_counter", s.counter.Next(),
			"error", err,
		)
		if s.observer != nil {
			s.observer.CommitFailed(kind, seerr.CodeOf(err))
		}
		return logmsg.LogMessage{}, err
	}

	s.logger.Debug("log message committed",
		"kind", kind,
		"signature_counter", msg.SignatureCounter,
		"signed", msg.Signed(),
		"certificate_expired", msg.CertificateExpired,
	)
	if s.observer != nil {
		s.observer.Committed(kind, msg.CertificateExpired)
	}

	if msg.CertificateExpired {
		return msg, seerr.New("commit", seerr.CertificateExpired)
	}
	return msg, nil
}

func (s *Sequencer) commitLocked(ctx context.Context, req Request) (logmsg.LogMessage, error) {
	next := s.counter.Next()
	msg := logmsg.LogMessage{
		SignatureCounter: next,
		LogTime:          s.clock.Now(),
		TimeFormat:       logmsg.TimeFormatFor(s.clock.SyncVariant()),
		Payload:          req.Payload,
	}

	if !req.Unsigned {
		purpose := PurposeFor(req.Payload.Kind())
		cert, err := s.gate.Active(ctx, purpose)
		if err != nil {
			return logmsg.LogMessage{}, err
		}
		msg.SerialNumber = cert.SerialNumber
		msg.SignatureAlgorithm = s.gate.Algorithm()

		input, err := msg.SigningInput()
		if err != nil {
			return logmsg.LogMessage{}, seerr.Wrap("commit", seerr.RetrieveLogMessageFailed, err)
		}
		sig, err := s.gate.Sign(ctx, purpose, input)
		if err != nil {
			return logmsg.LogMessage{}, err
		}
		if !bytes.Equal(sig.SerialNumber, cert.SerialNumber) {
			return logmsg.LogMessage{}, seerr.Wrap("commit", seerr.RetrieveLogMessageFailed,
				fmt.Errorf("active %s certificate changed while signing", purpose))
		}
		msg.SignatureValue = sig.Value
		msg.CertificateExpired = sig.Expired
	}

	rec, err := store.NewRecord(msg)
	if err != nil {
		return logmsg.LogMessage{}, seerr.Wrap("commit", seerr.StorageFailure, err)
	}
	if err := s.store.Append(ctx, rec, req.Effects...); err != nil {
		if errors.Is(err, store.ErrNonContiguous) {
			s.resync(ctx)
		}
		return logmsg.LogMessage{}, seerr.Wrap("commit", seerr.StorageFailure, err)
	}
	if !s.counter.Advance(next) {
		// Unreachable while commits hold s.mu.
		return logmsg.LogMessage{}, seerr.Wrap("commit", seerr.StorageFailure,
			fmt.Errorf("counter moved during commit of %d", next))
	}
	return msg, nil
}

// resync re-reads the chain head after the store rejected an append.
func (s *Sequencer) resync(ctx context.Context) {
	head, err := s.store.Head(ctx)
	if err != nil {
		s.logger.Error("resync chain head", "error", err)
		return
	}
	s.logger.Warn("chain head moved outside sequencer",
		"cached", s.counter.Current(),
		"durable", head.SignatureCounter,
	)
	s.counter.Reset(head.SignatureCounter)
}

// Last returns the most recently committed message still in storage.
//
// Fails with ERROR_NO_LOG_MESSAGE if the log is empty and
// ERROR_READING_LOG_MESSAGE if the stored record cannot be decoded.
func (s *Sequencer) Last(ctx context.Context) (logmsg.LogMessage, error) {
	rec, err := s.LastRecord(ctx)
	if err != nil {
		return logmsg.LogMessage{}, err
	}
	msg, err := rec.Message()
	if err != nil {
		return logmsg.LogMessage{}, seerr.Wrap("readLogMessage", seerr.ReadingLogMessage, err)
	}
	return msg, nil
}

// LastRecord is like Last but returns the stored form, including the DER bytes.
func (s *Sequencer) LastRecord(ctx context.Context) (store.Record, error) {
	rec, err := s.store.LastMessage(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return store.Record{}, seerr.New("readLogMessage", seerr.NoLogMessage)
	}
	if err != nil {
		return store.Record{}, seerr.Wrap("readLogMessage", seerr.ReadingLogMessage, err)
	}
	return rec, nil
}

// PurposeFor maps a message kind to its signing key. Audit logs use the system key.
func PurposeFor(kind logmsg.Kind) signer.KeyPurpose {
	if kind == logmsg.TransactionLog {
		return signer.PurposeTransaction
	}
	return signer.PurposeSystem
}

package seapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/seapi/internal/auth"
	"github.com/roach88/seapi/internal/certgate"
	"github.com/roach88/seapi/internal/clock"
	"github.com/roach88/seapi/internal/export"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/sequencer"
	"github.com/roach88/seapi/internal/signer"
	"github.com/roach88/seapi/internal/store"
	"github.com/roach88/seapi/internal/transaction"
)

// Observer receives the outcomes of commits, authentication attempts and
// exports. Implemented by *metrics.Metrics.
type Observer interface {
	sequencer.Observer
	auth.Observer
	export.Observer
}

// Settings are the device parameters fixed at construction.
type Settings struct {
	MaxClients      int
	MaxTransactions int
	MaxRetries      int
	UpdateVariant   transaction.UpdateVariant

	// DescriptionSetByManufacturer selects Initialize over
	// InitializeWithDescription. Description is then recorded at
	// initialization.
	DescriptionSetByManufacturer bool
	Description                  string

	Users []auth.UserSpec

	// BcryptCost overrides the PIN/PUK hashing cost. Zero keeps the default.
	BcryptCost int
}

// SE is the Secure Element API.
//
// Every operation checks its preconditions in a fixed order: disabled, not
// initialized, authentication and authorization, time not set, then its own
// parameters. Lifecycle transitions exclude all other operations, so nothing
// commits after DisableSecureElement returns.
type SE struct {
	store    *store.Store
	gate     *certgate.Gate
	seq      *sequencer.Sequencer
	tx       *transaction.Manager
	auth     *auth.Service
	clock    *Timekeeper
	settings Settings
	logger   *slog.Logger
	observer Observer
	ids      export.IDGenerator

	mu        sync.RWMutex
	lifecycle store.Lifecycle // guarded by mu
	exporter  *export.Exporter
}

// Option configures an SE.
type Option func(*SE)

// WithLogger sets the logger of the SE and every component. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(se *SE) { se.logger = l }
}

// WithObserver registers an outcome observer with every component.
func WithObserver(o Observer) Option {
	return func(se *SE) { se.observer = o }
}

// WithIDGenerator sets the export archive id source.
func WithIDGenerator(g export.IDGenerator) Option {
	return func(se *SE) { se.ids = g }
}

// New assembles an SE over st, signing with sgn and reading time from base.
// The caller keeps ownership of st.
func New(ctx context.Context, st *store.Store, sgn signer.Signer, base clock.Clock, s Settings, opts ...Option) (*SE, error) {
	if st == nil || sgn == nil || base == nil {
		return nil, errors.New("seapi: store, signer and clock are required")
	}
	if s.DescriptionSetByManufacturer && s.Description == "" {
		return nil, errors.New("seapi: manufacturer description is empty")
	}

	se := &SE{
		store:    st,
		clock:    NewTimekeeper(base),
		settings: s,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(se)
	}

	se.gate = certgate.New(sgn, st, se.clock, certgate.WithLogger(se.logger))
	if err := se.provisionCertificates(ctx); err != nil {
		return nil, err
	}

	seqOpts := []sequencer.Option{sequencer.WithLogger(se.logger)}
	if se.observer != nil {
		seqOpts = append(seqOpts, sequencer.WithObserver(se.observer))
	}
	seq, err := sequencer.Open(ctx, st, se.gate, se.clock, seqOpts...)
	if err != nil {
		return nil, err
	}
	se.seq = seq

	se.tx, err = transaction.New(ctx, st, seq, transaction.Config{
		MaxTransactions: s.MaxTransactions,
		MaxClients:      s.MaxClients,
		UpdateVariant:   s.UpdateVariant,
	}, transaction.WithLogger(se.logger))
	if err != nil {
		return nil, err
	}

	authOpts := []auth.Option{auth.WithLogger(se.logger)}
	if s.MaxRetries > 0 {
		authOpts = append(authOpts, auth.WithMaxRetries(s.MaxRetries))
	}
	if s.BcryptCost > 0 {
		authOpts = append(authOpts, auth.WithCost(s.BcryptCost))
	}
	if se.observer != nil {
		authOpts = append(authOpts, auth.WithObserver(se.observer))
	}
	se.auth, err = auth.New(st, seq, authOpts...)
	if err != nil {
		return nil, err
	}
	if err := se.auth.Provision(ctx, s.Users); err != nil {
		return nil, err
	}

	dev, err := st.Device(ctx)
	if err != nil {
		return nil, seerr.Wrap("open", seerr.StorageFailure, err)
	}
	se.lifecycle = dev.Lifecycle
	se.exporter = se.newExporter(dev.Description)

	se.logger.Info("secure element ready",
		"lifecycle", dev.Lifecycle,
		"signature_counter", seq.Current(),
		"open_transactions", se.tx.CurrentNumberOfTransactions())
	return se, nil
}

// provisionCertificates installs the signer's certificates into an empty
// registry so that authentication can be logged before initialization.
func (se *SE) provisionCertificates(ctx context.Context) error {
	installed, err := se.store.Certificates(ctx)
	if err != nil {
		return seerr.Wrap("open", seerr.StorageFailure, err)
	}
	if len(installed) > 0 {
		return nil
	}
	certs, err := se.gate.Issued(ctx)
	if err != nil {
		return err
	}
	if err := se.store.InstallCertificates(ctx, certs); err != nil {
		return seerr.Wrap("open", seerr.StorageFailure, err)
	}
	se.logger.Info("certificates provisioned", "certificates", len(certs))
	return nil
}

func (se *SE) newExporter(description string) *export.Exporter {
	opts := []export.Option{export.WithLogger(se.logger), export.WithDescription(description)}
	if se.ids != nil {
		opts = append(opts, export.WithIDGenerator(se.ids))
	}
	if se.observer != nil {
		opts = append(opts, export.WithObserver(se.observer))
	}
	return export.New(se.store, se.clock, opts...)
}

// Lifecycle returns the current lifecycle state.
func (se *SE) Lifecycle() store.Lifecycle {
	se.mu.RLock()
	defer se.mu.RUnlock()
	return se.lifecycle
}

// Clock returns the device clock.
func (se *SE) Clock() *Timekeeper {
	return se.clock
}

// Status is a point-in-time summary of the device.
type Status struct {
	Lifecycle          store.Lifecycle
	TimeSet            bool
	SyncVariant        clock.SyncVariant
	UpdateVariant      transaction.UpdateVariant
	SignatureCounter   uint64
	OpenTransactions   int
	MaxTransactions    int
	Clients            int
	MaxClients         int
	MaxPINRetries      int
	DescriptionByMaker bool
}

// Status reports the device state.
func (se *SE) Status() Status {
	return Status{
		Lifecycle:          se.Lifecycle(),
		TimeSet:            se.clock.IsSet(),
		SyncVariant:        se.clock.SyncVariant(),
		UpdateVariant:      se.tx.SupportedUpdateVariants(),
		SignatureCounter:   se.seq.Current(),
		OpenTransactions:   se.tx.CurrentNumberOfTransactions(),
		MaxTransactions:    se.tx.MaxNumberOfTransactions(),
		Clients:            se.tx.CurrentNumberOfClients(),
		MaxClients:         se.tx.MaxNumberOfClients(),
		MaxPINRetries:      se.auth.MaxRetries(),
		DescriptionByMaker: se.settings.DescriptionSetByManufacturer,
	}
}

// SignatureCounter returns the last committed signature counter.
func (se *SE) SignatureCounter() uint64 {
	return se.seq.Current()
}

// precondition is one step of the fixed precondition order.
type precondition int

const (
	notDisabled precondition = iota
	initialized
	initializedOnce // initialized now or before being disabled
	timeSet
)

// check evaluates conds in order. The caller holds se.mu.
func (se *SE) check(op string, conds ...precondition) error {
	for _, c := range conds {
		switch c {
		case notDisabled:
			if se.lifecycle == store.Disabled {
				return seerr.New(op, seerr.SecureElementDisabled)
			}
		case initialized:
			if se.lifecycle != store.Initialized {
				return seerr.New(op, seerr.SEAPINotInitialized)
			}
		case initializedOnce:
			if se.lifecycle == store.Uninitialized {
				return seerr.New(op, seerr.SEAPINotInitialized)
			}
		case timeSet:
			if !se.clock.IsSet() {
				return seerr.New(op, seerr.TimeNotSet)
			}
		default:
			return fmt.Errorf("%s: unknown precondition %d", op, c)
		}
	}
	return nil
}

// guarded runs an administrative operation: not disabled, initialized,
// authorized for aop, time set. The caller holds se.mu.
func (se *SE) guarded(op string, userID string, aop auth.Operation) error {
	if err := se.check(op, notDisabled, initialized); err != nil {
		return err
	}
	if err := se.auth.Authorize(userID, aop); err != nil {
		return seerr.Recode(op, seerr.CodeOf(err), err)
	}
	return se.check(op, timeSet)
}

func committed(err error) bool {
	return err == nil || seerr.Is(err, seerr.CertificateExpired)
}

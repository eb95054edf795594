// Package auth manages PIN and PUK authentication of SE API users.
//
// Each authentication or unblock attempt commits a SystemLog message, and
// the resulting user row is written in the same store transaction. The
// authenticated flag is session state held in memory only; a restart logs
// every user out.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/sequencer"
	"github.com/roach88/seapi/internal/store"
)

// DefaultMaxRetries is the PIN retry limit when none is configured.
const DefaultMaxRetries = 3

// Result is the outcome of an authentication attempt.
type Result int

const (
	ResultOK Result = iota
	ResultFailed
	ResultPinIsBlocked
	ResultUnknownUserID
)

var resultNames = [...]string{"ok", "failed", "pinIsBlocked", "unknownUserId"}

func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return fmt.Sprintf("Result(%d)", int(r))
	}
	return resultNames[r]
}

// UnblockResult is the outcome of an unblock attempt.
type UnblockResult int

const (
	UnblockOK UnblockResult = iota
	UnblockFailedResult
	UnblockUnknownUserID
	UnblockError
)

var unblockNames = [...]string{"ok", "failed", "unknownUserId", "error"}

func (r UnblockResult) String() string {
	if r < 0 || int(r) >= len(unblockNames) {
		return fmt.Sprintf("UnblockResult(%d)", int(r))
	}
	return unblockNames[r]
}

// Outcome is returned by Authenticate.
type Outcome struct {
	Result           Result
	RemainingRetries int
}

// Store holds the user rows. Implemented by *store.Store.
type Store interface {
	User(ctx context.Context, id string) (store.User, error)
	ProvisionUser(ctx context.Context, u store.User) (bool, error)
}

// Sequencer commits log messages. Implemented by *sequencer.Sequencer.
type Sequencer interface {
	Commit(ctx context.Context, req sequencer.Request) (logmsg.LogMessage, error)
}

// Observer is notified of authentication attempts. Implemented by *metrics.Metrics.
type Observer interface {
	AuthAttempt(operation, result string)
}

// UserSpec describes a user to provision.
type UserSpec struct {
	ID   string
	Role Role
	PIN  string
	PUK  string
}

// Service authenticates users. Operations on one user id are serialized;
// different users proceed independently up to the sequencer.
type Service struct {
	store      Store
	seq        Sequencer
	maxRetries int
	cost       int
	logger     *slog.Logger
	observer   Observer

	mu       sync.Mutex
	locks    map[string]*userLock
	sessions map[string]Role
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMaxRetries sets the PIN retry limit.
func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

// WithCost sets the bcrypt cost used for new hashes.
func WithCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// New creates an authentication service.
func New(st Store, seq Sequencer, opts ...Option) (*Service, error) {
	if st == nil || seq == nil {
		return nil, errors.New("auth: store and sequencer are required")
	}
	s := &Service{
		store:      st,
		seq:        seq,
		maxRetries: DefaultMaxRetries,
		cost:       bcrypt.DefaultCost,
		logger:     slog.Default(),
		locks:      make(map[string]*userLock),
		sessions:   make(map[string]Role),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRetries < 1 {
		return nil, fmt.Errorf("auth: max retries must be positive, got %d", s.maxRetries)
	}
	return s, nil
}

// MaxRetries returns the configured PIN retry limit.
func (s *Service) MaxRetries() int { return s.maxRetries }

// Provision creates the users that are not yet managed. Existing users keep
// their stored PIN, PUK and retry state.
func (s *Service) Provision(ctx context.Context, users []UserSpec) error {
	for _, us := range users {
		if us.ID == "" {
			return errors.New("provision: missing user id")
		}
		if _, err := ParseRole(string(us.Role)); err != nil {
			return fmt.Errorf("provision %q: %w", us.ID, err)
		}
		if _, err := s.store.User(ctx, us.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return seerr.Wrap("provision", seerr.StorageFailure, err)
		}
		pinHash, err := hashSecret(us.PIN, s.cost)
		if err != nil {
			return fmt.Errorf("provision %q: pin: %w", us.ID, err)
		}
		pukHash, err := hashSecret(us.PUK, s.cost)
		if err != nil {
			return fmt.Errorf("provision %q: puk: %w", us.ID, err)
		}
		created, err := s.store.ProvisionUser(ctx, store.User{
			ID:               us.ID,
			Role:             string(us.Role),
			PINHash:          pinHash,
			PUKHash:          pukHash,
			RemainingRetries: s.maxRetries,
		})
		if err != nil {
			return seerr.Wrap("provision", seerr.StorageFailure, err)
		}
		if created {
			s.logger.Info("user provisioned", "user_id", us.ID, "role", us.Role)
		}
	}
	return nil
}

// Authenticate checks pin for userID.
//
// A blocked user gets ResultPinIsBlocked without consuming a retry. A wrong
// PIN consumes one retry and blocks the user when none remain. Any result
// other than ResultOK is also reported as AUTHENTICATION_FAILED unless
// the log commit itself failed, in which case that error is returned.
func (s *Service) Authenticate(ctx context.Context, userID, pin string) (Outcome, error) {
	const op = "authenticateUser"
	unlock := s.lockUser(userID)
	defer unlock()

	u, err := s.store.User(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, seerr.Wrap(op, seerr.StorageFailure, err)
	}

	var (
		out     Outcome
		effects []store.Effect
	)
	switch {
	case err != nil:
		out = Outcome{Result: ResultUnknownUserID}
	case u.Blocked:
		out = Outcome{Result: ResultPinIsBlocked}
	default:
		verr := verifySecret(pin, u.PINHash)
		if verr != nil && !errors.Is(verr, ErrSecretMismatch) {
			return Outcome{}, seerr.Wrap(op, seerr.AuthenticationFailed, verr)
		}
		if verr == nil {
			u.RemainingRetries = s.maxRetries
			out = Outcome{Result: ResultOK, RemainingRetries: u.RemainingRetries}
		} else {
			u.RemainingRetries--
			if u.RemainingRetries <= 0 {
				u.RemainingRetries = 0
				u.Blocked = true
			}
			out = Outcome{Result: ResultFailed, RemainingRetries: u.RemainingRetries}
		}
		effects = append(effects, store.UserUpdated{User: u})
	}

	cerr := s.commit(ctx, "AuthenticateUser", map[string]any{
		"userId":           userID,
		"result":           out.Result.String(),
		"remainingRetries": out.RemainingRetries,
	}, effects)
	if !committed(cerr) {
		return Outcome{}, cerr
	}

	s.notify("authenticate", out.Result.String())
	logArgs := []any{"user_id", userID, "result", out.Result, "remaining_retries", out.RemainingRetries}
	switch out.Result {
	case ResultOK:
		s.mu.Lock()
		s.sessions[userID] = Role(u.Role)
		s.mu.Unlock()
		s.logger.Info("user authenticated", logArgs...)
	case ResultFailed:
		if u.Blocked {
			s.logger.Warn("user blocked after failed pin", logArgs...)
		} else {
			s.logger.Warn("authentication failed", logArgs...)
		}
	default:
		s.logger.Warn("authentication rejected", logArgs...)
	}

	if cerr != nil {
		return out, cerr
	}
	if out.Result != ResultOK {
		return out, seerr.New(op, seerr.AuthenticationFailed)
	}
	return out, nil
}

// LogOut ends the session of userID.
// Fails with ERROR_USER_ID_NOT_MANAGED for unknown users and
// ERROR_USER_ID_NOT_AUTHENTICATED if the user is not logged in.
func (s *Service) LogOut(ctx context.Context, userID string) error {
	const op = "logOut"
	unlock := s.lockUser(userID)
	defer unlock()

	if _, err := s.store.User(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return seerr.New(op, seerr.UserIDNotManaged)
		}
		return seerr.Wrap(op, seerr.StorageFailure, err)
	}
	if !s.Authenticated(userID) {
		return seerr.New(op, seerr.UserIDNotAuthenticated)
	}

	err := s.commit(ctx, "LogOut", map[string]any{"userId": userID}, nil)
	if !committed(err) {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, userID)
	s.mu.Unlock()
	s.logger.Info("user logged out", "user_id", userID)
	return err
}

// Unblock resets the PIN of userID to newPIN if puk is correct, clearing
// the block and restoring all retries. Wrong PUKs are counted but not
// bounded. Any result other than UnblockOK is also reported as
// UNBLOCK_FAILED unless the log commit failed.
func (s *Service) Unblock(ctx context.Context, userID, puk, newPIN string) (UnblockResult, error) {
	const op = "unblockUser"
	unlock := s.lockUser(userID)
	defer unlock()

	newHash, err := hashSecret(newPIN, s.cost)
	if err != nil {
		return UnblockError, seerr.Wrap(op, seerr.ParameterMismatch, err)
	}

	u, err := s.store.User(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return UnblockError, seerr.Wrap(op, seerr.StorageFailure, err)
	}

	var (
		result  UnblockResult
		effects []store.Effect
	)
	if err != nil {
		result = UnblockUnknownUserID
	} else {
		verr := verifySecret(puk, u.PUKHash)
		switch {
		case verr == nil:
			u.PINHash = newHash
			u.Blocked = false
			u.RemainingRetries = s.maxRetries
			result = UnblockOK
		case errors.Is(verr, ErrSecretMismatch):
			u.PUKFailures++
			result = UnblockFailedResult
		default:
			return UnblockError, seerr.Wrap(op, seerr.UnblockFailed, verr)
		}
		effects = append(effects, store.UserUpdated{User: u})
	}

	cerr := s.commit(ctx, "UnblockUser", map[string]any{
		"userId": userID,
		"result": result.String(),
	}, effects)
	if !committed(cerr) {
		return UnblockError, cerr
	}

	s.notify("unblock", result.String())
	if result == UnblockOK {
		s.logger.Info("user unblocked", "user_id", userID)
	} else {
		s.logger.Warn("unblock failed", "user_id", userID, "result", result, "puk_failures", u.PUKFailures)
	}

	if cerr != nil {
		return result, cerr
	}
	if result != UnblockOK {
		return result, seerr.New(op, seerr.UnblockFailed)
	}
	return result, nil
}

// Authorize checks that userID is logged in with a role that allows op.
// Fails with ERROR_USER_NOT_AUTHENTICATED or ERROR_USER_NOT_AUTHORIZED.
func (s *Service) Authorize(userID string, op Operation) error {
	s.mu.Lock()
	role, ok := s.sessions[userID]
	s.mu.Unlock()
	if !ok {
		return seerr.Wrap(string(op), seerr.UserNotAuthenticated, fmt.Errorf("user %q is not logged in", userID))
	}
	if !role.Allows(op) {
		return seerr.Wrap(string(op), seerr.UserNotAuthorized, fmt.Errorf("role %q may not call %s", role, op))
	}
	return nil
}

// Authenticated reports whether userID has an active session.
func (s *Service) Authenticated(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[userID]
	return ok
}

func (s *Service) commit(ctx context.Context, operation string, data map[string]any, effects []store.Effect) error {
	opData, err := logmsg.Canonical(data)
	if err != nil {
		return seerr.Wrap(operation, seerr.SigningSystemOperationDataFailed, err)
	}
	_, err = s.seq.Commit(ctx, sequencer.Request{
		Payload: logmsg.SystemData{Operation: operation, OperationData: opData},
		Effects: effects,
	})
	return err
}

func (s *Service) notify(operation, result string) {
	if s.observer != nil {
		s.observer.AuthAttempt(operation, result)
	}
}

// userLock serializes the operations on one user id. refs counts holders
// and waiters; the entry is dropped when it reaches zero.
type userLock struct {
	sync.Mutex
	refs int
}

func (s *Service) lockUser(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &userLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func committed(err error) bool {
	return err == nil || seerr.Is(err, seerr.CertificateExpired)
}

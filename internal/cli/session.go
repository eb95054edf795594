package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/seapi/internal/clock"
	"github.com/roach88/seapi/internal/config"
	"github.com/roach88/seapi/internal/seapi"
	"github.com/roach88/seapi/internal/signer"
	"github.com/roach88/seapi/internal/store"
)

// Credentials identify the user a command authenticates as.
type Credentials struct {
	User string
	PIN  string
}

func (c *Credentials) bind(cmd *cobra.Command, defaultUser string) {
	cmd.Flags().StringVarP(&c.User, "user", "u", defaultUser, "user id to authenticate as")
	cmd.Flags().StringVar(&c.PIN, "pin", "", "PIN of the user")
}

func (c Credentials) present() bool {
	return c.User != "" && c.PIN != ""
}

// session is one opened secure element. Authentication and the set time live
// in memory, so a command that needs them establishes them itself.
type session struct {
	cfg    config.Config
	st     *store.Store
	se     *seapi.SE
	logger *slog.Logger
	out    *OutputFormatter
}

func openSession(cmd *cobra.Command, opts *RootOptions, seOpts ...seapi.Option) (*session, error) {
	out := formatter(cmd, opts)
	cfg, err := config.Resolve(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)

	out.VerboseLog("opening store %s (%s)", cfg.Database.Path, cfg.Database.Driver)
	st, err := store.Open(cfg.Database.Path, cfg.StoreOptions()...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}
	s, err := newSession(commandContext(cmd), cfg, st, logger, seOpts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	s.out = out
	return s, nil
}

func newSession(ctx context.Context, cfg config.Config, st *store.Store, logger *slog.Logger, seOpts ...seapi.Option) (*session, error) {
	sgn, err := signer.OpenSoftware(cfg.Keys.Dir, time.Now(), cfg.KeyValidity())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open keys", err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "device settings", err)
	}
	clk, err := cfg.Clock()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "device clock", err)
	}
	se, err := seapi.New(ctx, st, sgn, clk, settings, append([]seapi.Option{seapi.WithLogger(logger)}, seOpts...)...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open secure element", err)
	}
	return &session{cfg: cfg, st: st, se: se, logger: logger}, nil
}

func (s *session) Close() error {
	return s.st.Close()
}

func (s *session) login(ctx context.Context, c Credentials) error {
	if !c.present() {
		return NewExitError(ExitCommandError, "--user and --pin are required")
	}
	if _, err := s.se.AuthenticateUser(ctx, c.User, c.PIN); err != nil {
		return s.out.Fail("authenticate "+c.User, err)
	}
	s.out.VerboseLog("authenticated %s", c.User)
	return nil
}

// syncTime sets the SE time from the host clock. Devices without a time
// input only record the synchronization.
func (s *session) syncTime(ctx context.Context, userID string) error {
	v, err := s.se.TimeSyncVariant()
	if err != nil {
		return s.out.Fail("update time", err)
	}
	if v == clock.NoInput {
		err = s.se.UpdateTimeWithTimeSync(ctx, userID)
	} else {
		err = s.se.UpdateTime(ctx, userID, time.Now())
	}
	if err != nil {
		return s.out.Fail("update time", err)
	}
	s.out.VerboseLog("time set by %s", userID)
	return nil
}

// ready authenticates c and sets the time, as every restricted transaction
// or admin command needs.
func (s *session) ready(ctx context.Context, c Credentials) error {
	if err := s.login(ctx, c); err != nil {
		return err
	}
	return s.syncTime(ctx, c.User)
}

func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// withSession opens the SE, runs fn and closes the store.
func withSession(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *session) error) (err error) {
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			err = errors.Join(err, WrapExitError(ExitCommandError, "close store", closeErr))
		}
	}()
	return fn(commandContext(cmd), s)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// newLogger builds the slog handler from the log section. --verbose forces
// debug level.
func newLogger(w io.Writer, c config.Log, verbose bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

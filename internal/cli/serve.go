package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/seapi/internal/httpapi"
	"github.com/roach88/seapi/internal/metrics"
	"github.com/roach88/seapi/internal/seapi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Credentials
	Listen string

	// Registry overrides the metrics registry (for testing).
	Registry *prometheus.Registry
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the transaction API over HTTP",
		Long: `Open the secure element and serve the HTTP API until interrupted.

With --user and --pin the user is authenticated at startup and the time is set
from the host clock, so clients can log transactions right away. Metrics are
served on /metrics.

Example:
  seapi serve --config seapi.yaml --user clock --pin 11111
  seapi serve --listen :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	opts.Credentials.bind(cmd, "")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address; overrides http.listen")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.New(reg)

	s, err := openSession(cmd, opts.RootOptions, seapi.WithObserver(m))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			s.logger.Error("error closing store", "error", closeErr)
		}
	}()
	m.Track(s.se)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.User != "" {
		if err := s.ready(ctx, opts.Credentials); err != nil {
			return err
		}
	}

	addr := opts.Listen
	if addr == "" {
		addr = s.cfg.HTTP.Listen
	}
	h := httpapi.New(s.se, s.logger, m, reg)
	st := s.se.Status()
	s.logger.Info("secure element ready",
		"lifecycle", st.Lifecycle,
		"time_set", st.TimeSet,
		"signature_counter", st.SignatureCounter,
		"db", s.cfg.Database.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", addr)

	if err := httpapi.Serve(ctx, addr, h.Routes(), s.logger); err != nil && ctx.Err() == nil {
		return WrapExitError(ExitFailure, "http api", err)
	}
	s.logger.Info("stopped")
	return nil
}

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/seapi/internal/export"
)

// report prints data as JSON, or text in text mode.
func report(out *OutputFormatter, data any, text string) error {
	if out.Format == "json" {
		return out.Success(data)
	}
	return out.Success(text)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lifecycle, counters and capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				st := s.se.Status()
				data := map[string]any{
					"lifecycle":         string(st.Lifecycle),
					"time_sync_variant": st.SyncVariant.String(),
					"update_variant":    st.UpdateVariant.String(),
					"signature_counter": st.SignatureCounter,
					"open_transactions": st.OpenTransactions,
					"max_transactions":  st.MaxTransactions,
					"clients":           st.Clients,
					"max_clients":       st.MaxClients,
					"max_pin_retries":   st.MaxPINRetries,
				}
				var b strings.Builder
				fmt.Fprintf(&b, "lifecycle:         %s\n", st.Lifecycle)
				fmt.Fprintf(&b, "time sync:         %s\n", st.SyncVariant)
				fmt.Fprintf(&b, "update variant:    %s\n", st.UpdateVariant)
				fmt.Fprintf(&b, "signature counter: %d\n", st.SignatureCounter)
				fmt.Fprintf(&b, "transactions:      %d/%d\n", st.OpenTransactions, st.MaxTransactions)
				fmt.Fprintf(&b, "clients:           %d/%d\n", st.Clients, st.MaxClients)
				fmt.Fprintf(&b, "pin retries:       %d", st.MaxPINRetries)
				return report(s.out, data, b.String())
			})
		},
	}
}

type initOptions struct {
	*RootOptions
	Credentials
	Description string
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &initOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the secure element",
		Long: `Initialize the secure element and install its certificates.

When the manufacturer set the description in the configuration, --description
must be omitted; otherwise it is required.

Example:
  seapi init --user admin --pin 12345 --description "Kasse 7"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				if err := s.login(ctx, opts.Credentials); err != nil {
					return err
				}
				var err error
				if cmd.Flags().Changed("description") {
					err = s.se.InitializeWithDescription(ctx, opts.User, opts.Description)
				} else {
					err = s.se.Initialize(ctx, opts.User)
				}
				if err != nil {
					return s.out.Fail("initialize", err)
				}
				return report(s.out, map[string]any{"lifecycle": string(s.se.Lifecycle())}, "initialized")
			})
		},
	}
	opts.Credentials.bind(cmd, "admin")
	cmd.Flags().StringVar(&opts.Description, "description", "", "device description")
	return cmd
}

type timeOptions struct {
	*RootOptions
	Credentials
	At string
}

// NewTimeCommand creates the time command.
func NewTimeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &timeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "time",
		Short: "Set the secure element time",
		Long: `Set the secure element time and log an UpdateTime system message.

Without --at the host clock is used. Devices configured for noInput record a
time synchronization instead.

Example:
  seapi time --user clock --pin 11111
  seapi time --user admin --pin 12345 --at 2026-10-14T08:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				if err := s.login(ctx, opts.Credentials); err != nil {
					return err
				}
				if opts.At == "" {
					if err := s.syncTime(ctx, opts.User); err != nil {
						return err
					}
				} else {
					at, err := time.Parse(time.RFC3339, opts.At)
					if err != nil {
						return WrapExitError(ExitCommandError, "invalid --at", err)
					}
					if err := s.se.UpdateTime(ctx, opts.User, at); err != nil {
						return s.out.Fail("update time", err)
					}
				}
				now := s.se.Clock().Now()
				return report(s.out, map[string]any{"time": now}, "time set to "+now.Format(time.RFC3339))
			})
		},
	}
	opts.Credentials.bind(cmd, "")
	cmd.Flags().StringVar(&opts.At, "at", "", "time to set (RFC 3339); defaults to the host clock")
	return cmd
}

type adminOptions struct {
	*RootOptions
	Credentials
}

// NewDisableCommand creates the disable command.
func NewDisableCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &adminOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable the secure element permanently",
		Long: `Disable the secure element. Only exports remain possible afterwards.

Example:
  seapi disable --user admin --pin 12345`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				if err := s.ready(ctx, opts.Credentials); err != nil {
					return err
				}
				if err := s.se.DisableSecureElement(ctx, opts.User); err != nil {
					return s.out.Fail("disable", err)
				}
				return report(s.out, map[string]any{"lifecycle": string(s.se.Lifecycle())}, "disabled")
			})
		},
	}
	opts.Credentials.bind(cmd, "admin")
	return cmd
}

type deleteOptions struct {
	*RootOptions
	Credentials
	Backup string
}

// NewDeleteStoredDataCommand creates the delete-stored-data command.
func NewDeleteStoredDataCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &deleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete-stored-data",
		Short: "Export all log messages to a backup, then delete them",
		Long: `Export every stored log message to --backup and delete the stored data.

Authenticating and setting the time log messages of their own, so the export
runs in the same invocation as the delete.

Example:
  seapi delete-stored-data --user admin --pin 12345 --backup 2026-10.tar`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				if err := s.ready(ctx, opts.Credentials); err != nil {
					return err
				}
				a, err := s.se.ExportData(ctx, export.All(0))
				if err != nil {
					return s.out.Fail("export data", err)
				}
				if err := writeOutput(cmd, opts.Backup, a.Data); err != nil {
					return err
				}
				s.out.VerboseLog("exported %d records to %s", a.Records, opts.Backup)
				if err := s.se.DeleteStoredData(ctx, opts.User); err != nil {
					return s.out.Fail("delete stored data", err)
				}
				return report(s.out, map[string]any{
					"backup":            opts.Backup,
					"archive_id":        a.ID,
					"records":           a.Records,
					"signature_counter": s.se.SignatureCounter(),
				}, fmt.Sprintf("deleted %d records (backup %s)", a.Records, opts.Backup))
			})
		},
	}
	opts.Credentials.bind(cmd, "admin")
	cmd.Flags().StringVar(&opts.Backup, "backup", "", "file the export is written to (required)")
	_ = cmd.MarkFlagRequired("backup")
	return cmd
}

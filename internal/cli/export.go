package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/seapi/internal/export"
)

type exportOptions struct {
	*RootOptions
	Output      string
	Scope       string
	Transaction uint64
	Start       uint64
	End         uint64
	StartDate   string
	EndDate     string
	ClientID    string
	MaxRecords  int64
}

func (o *exportOptions) query() (export.Query, error) {
	scope, err := export.ParseScope(o.Scope)
	if err != nil {
		return export.Query{}, NewExitError(ExitCommandError, err.Error())
	}
	q := export.Query{
		Scope:                  scope,
		TransactionNumber:      o.Transaction,
		StartTransactionNumber: o.Start,
		EndTransactionNumber:   o.End,
		ClientID:               o.ClientID,
		MaxRecords:             o.MaxRecords,
	}
	for _, d := range []struct {
		flag, value string
		dst         **time.Time
	}{
		{"--start-date", o.StartDate, &q.StartDate},
		{"--end-date", o.EndDate, &q.EndDate},
	} {
		if d.value == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, d.value)
		if err != nil {
			return export.Query{}, WrapExitError(ExitCommandError, "invalid "+d.flag, err)
		}
		*d.dst = &t
	}
	return q, nil
}

// NewExportCommand creates the export command group.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &exportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export log messages, certificates and serial numbers",
		Long: `Write export files. Exports work in every lifecycle state.

Example:
  seapi export data -o all.tar
  seapi export data --scope transaction --transaction 4 --client pos-1 -o tx4.tar
  seapi export data --scope periodOfTime --start-date 2026-10-01T00:00:00Z --end-date 2026-10-31T23:59:59Z -o october.tar
  seapi export certificates -o certs.tar
  seapi export serial-numbers -o serials.der`,
	}
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "", "output file; - writes to stdout")
	_ = cmd.MarkPersistentFlagRequired("output")

	data := &cobra.Command{
		Use:   "data",
		Short: "Export log messages as a TAR archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.query()
			if err != nil {
				return err
			}
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				a, err := s.se.ExportData(ctx, q)
				if err != nil {
					return s.out.Fail("export data", err)
				}
				if err := writeOutput(cmd, opts.Output, a.Data); err != nil {
					return err
				}
				return reportFile(s, opts.Output, map[string]any{
					"archive_id":   a.ID,
					"records":      a.Records,
					"certificates": a.Certificates,
					"bytes":        len(a.Data),
				}, fmt.Sprintf("exported %d records (archive %s)", a.Records, a.ID))
			})
		},
	}
	f := data.Flags()
	f.StringVar(&opts.Scope, "scope", export.ScopeAll.String(), "all|transaction|transactionInterval|periodOfTime")
	f.Uint64Var(&opts.Transaction, "transaction", 0, "transaction number for --scope transaction")
	f.Uint64Var(&opts.Start, "start", 0, "first transaction number for --scope transactionInterval")
	f.Uint64Var(&opts.End, "end", 0, "last transaction number for --scope transactionInterval")
	f.StringVar(&opts.StartDate, "start-date", "", "start of --scope periodOfTime (RFC 3339)")
	f.StringVar(&opts.EndDate, "end-date", "", "end of --scope periodOfTime (RFC 3339)")
	f.StringVar(&opts.ClientID, "client", "", "restrict to one client id")
	f.Int64Var(&opts.MaxRecords, "max-records", 0, "fail when more records match; 0 is unbounded")

	certs := &cobra.Command{
		Use:   "certificates",
		Short: "Export the certificate chains as a TAR archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportBlob(cmd, rootOpts, opts.Output, "export certificates", func(ctx context.Context, s *session) ([]byte, error) {
				return s.se.ExportCertificates(ctx)
			})
		},
	}

	serials := &cobra.Command{
		Use:   "serial-numbers",
		Short: "Export the DER-encoded serial number list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportBlob(cmd, rootOpts, opts.Output, "export serial numbers", func(ctx context.Context, s *session) ([]byte, error) {
				return s.se.ExportSerialNumbers(ctx)
			})
		},
	}

	cmd.AddCommand(data, certs, serials)
	return cmd
}

func exportBlob(cmd *cobra.Command, opts *RootOptions, output, op string, fn func(context.Context, *session) ([]byte, error)) error {
	return withSession(cmd, opts, func(ctx context.Context, s *session) error {
		b, err := fn(ctx, s)
		if err != nil {
			return s.out.Fail(op, err)
		}
		if err := writeOutput(cmd, output, b); err != nil {
			return err
		}
		return reportFile(s, output, map[string]any{"bytes": len(b)}, fmt.Sprintf("wrote %d bytes", len(b)))
	})
}

// writeOutput writes b to path, or to stdout when path is "-".
func writeOutput(cmd *cobra.Command, path string, b []byte) error {
	var w io.Writer = cmd.OutOrStdout()
	if path != "-" {
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return WrapExitError(ExitCommandError, "write output", err)
		}
		return nil
	}
	if _, err := w.Write(b); err != nil {
		return WrapExitError(ExitCommandError, "write output", err)
	}
	return nil
}

// reportFile prints the summary unless the payload itself went to stdout.
func reportFile(s *session, output string, data map[string]any, text string) error {
	if output == "-" {
		s.out.VerboseLog("%s", text)
		return nil
	}
	data["file"] = output
	return report(s.out, data, text+" to "+output)
}

type restoreOptions struct {
	*RootOptions
	Credentials
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &restoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Import an export archive",
		Long: `Import the log messages and certificates of an export archive.

The archive is imported completely or not at all. Files whose names are
already stored are renamed.

Example:
  seapi restore --user admin --pin 12345 backup.tar`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "read archive", err)
			}
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				if err := s.login(ctx, opts.Credentials); err != nil {
					return err
				}
				res, err := s.se.RestoreFromBackup(ctx, opts.User, b)
				if err != nil {
					return s.out.Fail("restore", err)
				}
				return report(s.out, map[string]any{
					"files":                res.Files,
					"certificates_added":   res.CertificatesAdded,
					"certificates_skipped": res.CertificatesSkipped,
				}, fmt.Sprintf("restored %d files, %d certificates (%d already present)",
					len(res.Files), res.CertificatesAdded, res.CertificatesSkipped))
			})
		},
	}
	opts.Credentials.bind(cmd, "admin")
	return cmd
}

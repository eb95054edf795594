package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/seapi/internal/logmsg"
	"github.com/roach88/seapi/internal/seerr"
	"github.com/roach88/seapi/internal/transaction"
)

type txOptions struct {
	*RootOptions
	Credentials
	ClientID    string
	ProcessType string
	Data        string
	DataFile    string
	Additional  string
	Unsigned    bool
}

// processData returns --data, or the contents of --data-file.
func (o *txOptions) processData() ([]byte, error) {
	if o.DataFile == "" {
		return []byte(o.Data), nil
	}
	if o.Data != "" {
		return nil, NewExitError(ExitCommandError, "--data and --data-file are mutually exclusive")
	}
	b, err := os.ReadFile(o.DataFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "read --data-file", err)
	}
	return b, nil
}

// NewTxCommand creates the tx command group.
func NewTxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &txOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Start, update and finish transactions",
		Long: `Log transaction steps.

The secure element needs a set time before logging. Each invocation
authenticates --user and sets the time from the host clock first.

Example:
  seapi tx start --user clock --pin 11111 --client pos-1 --type Kassenbeleg-V1
  seapi tx update 1 --user clock --pin 11111 --client pos-1 --data-file receipt.txt
  seapi tx finish 1 --user clock --pin 11111 --client pos-1
  seapi tx list --client pos-1`,
	}
	cmd.PersistentFlags().StringVarP(&opts.User, "user", "u", "", "user id that sets the time")
	cmd.PersistentFlags().StringVar(&opts.PIN, "pin", "", "PIN of the user")
	cmd.PersistentFlags().StringVar(&opts.ClientID, "client", "", "client id")

	cmd.AddCommand(newTxStartCommand(opts))
	cmd.AddCommand(newTxUpdateCommand(opts))
	cmd.AddCommand(newTxFinishCommand(opts))
	cmd.AddCommand(newTxListCommand(opts))
	return cmd
}

func bindProcessFlags(cmd *cobra.Command, opts *txOptions, additional bool) {
	cmd.Flags().StringVar(&opts.ProcessType, "type", "", "process type")
	cmd.Flags().StringVar(&opts.Data, "data", "", "process data")
	cmd.Flags().StringVar(&opts.DataFile, "data-file", "", "read process data from a file")
	if additional {
		cmd.Flags().StringVar(&opts.Additional, "additional", "", "additional external data, base64")
	}
}

func (o *txOptions) additional() ([]byte, error) {
	if o.Additional == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(o.Additional)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --additional", err)
	}
	return b, nil
}

func newTxStartCommand(opts *txOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.processData()
			if err != nil {
				return err
			}
			extra, err := opts.additional()
			if err != nil {
				return err
			}
			return withSession(cmd, opts.RootOptions, func(ctx context.Context, s *session) error {
				if err := s.ready(ctx, opts.Credentials); err != nil {
					return err
				}
				res, err := s.se.StartTransaction(ctx, transaction.StartRequest{
					ClientID:               opts.ClientID,
					ProcessData:            data,
					ProcessType:            opts.ProcessType,
					AdditionalExternalData: extra,
				})
				return reportResult(s, "start transaction", res, err)
			})
		},
	}
	bindProcessFlags(cmd, opts, true)
	return cmd
}

func newTxUpdateCommand(opts *txOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <number>",
		Short: "Log process data for an open transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			data, err := opts.processData()
			if err != nil {
				return err
			}
			return withSession(cmd, opts.RootOptions, func(ctx context.Context, s *session) error {
				if err := s.ready(ctx, opts.Credentials); err != nil {
					return err
				}
				res, err := s.se.UpdateTransaction(ctx, transaction.UpdateRequest{
					ClientID:          opts.ClientID,
					TransactionNumber: number,
					ProcessData:       data,
					ProcessType:       opts.ProcessType,
					Unsigned:          opts.Unsigned,
				})
				return reportResult(s, "update transaction", res, err)
			})
		},
	}
	bindProcessFlags(cmd, opts, false)
	cmd.Flags().BoolVar(&opts.Unsigned, "unsigned", false, "request an unsigned update")
	return cmd
}

func newTxFinishCommand(opts *txOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finish <number>",
		Short: "Finish an open transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			data, err := opts.processData()
			if err != nil {
				return err
			}
			extra, err := opts.additional()
			if err != nil {
				return err
			}
			return withSession(cmd, opts.RootOptions, func(ctx context.Context, s *session) error {
				if err := s.ready(ctx, opts.Credentials); err != nil {
					return err
				}
				res, err := s.se.FinishTransaction(ctx, transaction.FinishRequest{
					ClientID:               opts.ClientID,
					TransactionNumber:      number,
					ProcessData:            data,
					ProcessType:            opts.ProcessType,
					AdditionalExternalData: extra,
				})
				return reportResult(s, "finish transaction", res, err)
			})
		},
	}
	bindProcessFlags(cmd, opts, true)
	return cmd
}

func newTxListCommand(opts *txOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List open transaction numbers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts.RootOptions, func(ctx context.Context, s *session) error {
				numbers := s.se.OpenTransactions(opts.ClientID)
				if numbers == nil {
					numbers = []uint64{}
				}
				text := make([]string, len(numbers))
				for i, n := range numbers {
					text[i] = strconv.FormatUint(n, 10)
				}
				return report(s.out, map[string]any{"open_transactions": numbers}, strings.Join(text, "\n"))
			})
		},
	}
}

func reportResult(s *session, op string, res transaction.Result, err error) error {
	expired := false
	if err != nil {
		// The message was committed; only the certificate lapsed.
		if !seerr.Is(err, seerr.CertificateExpired) {
			return s.out.Fail(op, err)
		}
		expired = true
	}
	data := map[string]any{
		"transaction_number": res.TransactionNumber,
		"signature_counter":  res.SignatureCounter,
		"log_time":           res.LogTime,
		"serial_number":      logmsg.SerialHex(res.SerialNumber),
		"signature":          res.SignatureValue,
	}
	text := fmt.Sprintf("transaction %d signature counter %d at %s",
		res.TransactionNumber, res.SignatureCounter, res.LogTime.Format(time.RFC3339))
	if expired {
		data["certificate_expired"] = true
		text += " (certificate expired)"
	}
	if outErr := report(s.out, data, text); outErr != nil {
		return outErr
	}
	if expired {
		return WrapExitError(ExitFailure, op, err)
	}
	return nil
}

func parseNumber(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid transaction number %q", s))
	}
	return n, nil
}

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/seapi/internal/logmsg"
)

// NewLogCommand creates the log command group.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read stored log messages",
	}

	last := &cobra.Command{
		Use:   "last",
		Short: "Show the last log message",
		Long: `Show the last committed log message. With --output the DER encoding is
written to the file instead.

Example:
  seapi log last
  seapi log last -o last.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				if output != "" {
					der, err := s.se.ReadLogMessage(ctx)
					if err != nil {
						return s.out.Fail("read log message", err)
					}
					if err := writeOutput(cmd, output, der); err != nil {
						return err
					}
					return reportFile(s, output, map[string]any{"bytes": len(der)}, fmt.Sprintf("wrote %d bytes", len(der)))
				}
				msg, err := s.se.LastLogMessage(ctx)
				if err != nil {
					return s.out.Fail("read log message", err)
				}
				return reportMessage(s, msg)
			})
		},
	}
	last.Flags().StringVarP(&output, "output", "o", "", "write the DER encoding to a file; - writes to stdout")

	cmd.AddCommand(last)
	return cmd
}

func reportMessage(s *session, msg logmsg.LogMessage) error {
	data := map[string]any{
		"signature_counter": msg.SignatureCounter,
		"kind":              msg.Kind().String(),
		"filename":          msg.Filename(),
		"log_time":          msg.LogTime,
	}
	if len(msg.SerialNumber) > 0 {
		data["serial_number"] = logmsg.SerialHex(msg.SerialNumber)
	}
	if msg.CertificateExpired {
		data["certificate_expired"] = true
	}
	text := fmt.Sprintf("%s message %d at %s\n%s",
		msg.Kind(), msg.SignatureCounter, msg.LogTime.Format(time.RFC3339), msg.Filename())
	return report(s.out, data, text)
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/seapi/internal/seerr"
)

// NewAuthCommand creates the auth command group.
func NewAuthCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Check PINs and unblock users",
	}
	cmd.AddCommand(newAuthLoginCommand(rootOpts))
	cmd.AddCommand(newAuthUnblockCommand(rootOpts))
	return cmd
}

func newAuthLoginCommand(rootOpts *RootOptions) *cobra.Command {
	var creds Credentials

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate a user and log out again",
		Long: `Authenticate a user. Failed attempts count against the PIN retries and
are written to the audit log.

Example:
  seapi auth login --user admin --pin 12345`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !creds.present() {
				return NewExitError(ExitCommandError, "--user and --pin are required")
			}
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				outcome, err := s.se.AuthenticateUser(ctx, creds.User, creds.PIN)
				data := map[string]any{
					"result":            outcome.Result.String(),
					"remaining_retries": outcome.RemainingRetries,
				}
				if err != nil {
					if outErr := s.out.Error(seerr.CodeOf(err), err.Error(), data); outErr != nil {
						return outErr
					}
					return WrapExitError(ExitFailure, "authenticate "+creds.User, err)
				}
				if err := s.se.LogOut(ctx, creds.User); err != nil {
					return s.out.Fail("log out", err)
				}
				return report(s.out, data, fmt.Sprintf("%s authenticated (%d retries left)", creds.User, outcome.RemainingRetries))
			})
		},
	}
	creds.bind(cmd, "")
	return cmd
}

func newAuthUnblockCommand(rootOpts *RootOptions) *cobra.Command {
	var user, puk, newPIN string

	cmd := &cobra.Command{
		Use:   "unblock",
		Short: "Reset a blocked PIN with the PUK",
		Example: `  seapi auth unblock --user admin --puk 123456 --new-pin 54321`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				res, err := s.se.UnblockUser(ctx, user, puk, newPIN)
				if err != nil {
					return s.out.Fail("unblock "+user, err)
				}
				return report(s.out, map[string]any{"result": res.String()}, user+" unblocked")
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	cmd.Flags().StringVar(&puk, "puk", "", "PUK of the user")
	cmd.Flags().StringVar(&newPIN, "new-pin", "", "PIN to set")
	for _, name := range []string{"user", "puk", "new-pin"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

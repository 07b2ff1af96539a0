package cli

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/cryptox"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/spf13/cobra"
)

const secretKeyEnv = "NUCLEUS_SECRET_KEY"

type codeCheck struct {
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
	Expired   bool      `json:"expired"`
	Match     bool      `json:"match"`
}

func newCodeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Inspect pending verification codes.",
	}
	cmd.AddCommand(newCodeCheckCommand(opts))
	return cmd
}

func newCodeCheckCommand(opts *options) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "check <identity>",
		Short: "Compare a code with the pending one without consuming it.",
		Long: `check reads the server secret from ` + secretKeyEnv + ` or prompts ` +
			`for it, and prompts for the code unless --code is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident := strings.TrimSpace(args[0])

			secret := os.Getenv(secretKeyEnv)
			if secret == "" {
				var err error
				if secret, err = readSecret(cmd.ErrOrStderr(), "Secret key"); err != nil {
					return err
				}
			}
			if code == "" {
				var err error
				if code, err = readSecret(cmd.ErrOrStderr(), "Code"); err != nil {
					return err
				}
			}

			return opts.withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				var pending *models.VerificationCode
				err := s.Read(ctx, func(ctx context.Context, r storage.Repos) error {
					var err error
					pending, err = r.Verifications.Get(ctx, ident)
					return err
				})
				if err != nil {
					return err
				}
				key := cryptox.DeriveKey(secret)
				return printJSON(cmd.OutOrStdout(), codeCheck{
					Identity:  pending.Identity,
					ExpiresAt: pending.ExpiresAt,
					Attempts:  pending.Attempts,
					Expired:   !time.Now().Before(pending.ExpiresAt),
					Match:     cryptox.VerifyCode(key, ident, strings.TrimSpace(code), pending.Digest),
				})
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "code to check; prompted without echo when empty")
	return cmd
}

package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/server/identity"
	"github.com/dmitrijs2005/nucleus/internal/server/migration"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/spf13/cobra"
)

type resolution struct {
	Strategy string      `json:"strategy"`
	Healed   bool        `json:"healed"`
	Account  accountView `json:"account"`
}

func newResolveCommand(opts *options) *cobra.Command {
	var creds identity.Credentials
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Run the identity resolver for a set of credentials.",
		Long: `resolve runs the same strategy chain as the server. Strategies ` +
			`that heal a stored token write to the database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if creds == (identity.Credentials{}) {
				return fmt.Errorf("%w: at least one credential flag is required", common.ErrorValidation)
			}
			return opts.withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				res, err := identity.NewResolver(s, nil, opts.logger(cmd)).Resolve(ctx, creds)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resolution{
					Strategy: res.Strategy,
					Healed:   res.Healed,
					Account:  viewOf(res.Account),
				})
			})
		},
	}
	cmd.Flags().StringVar(&creds.Token, "token", "", "bearer token")
	cmd.Flags().StringVar(&creds.DeviceID, "device-id", "", "device id")
	cmd.Flags().StringVar(&creds.AnonymousSessionID, "session-id", "", "anonymous session id")
	cmd.Flags().StringVar(&creds.ClientIP, "ip", "", "client address")
	return cmd
}

func newClaimCommand(opts *options) *cobra.Command {
	var (
		token, ident, displayName, policy string
	)
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Move an anonymous account to a real identity without a code.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				logger := opts.logger(cmd)
				o := migration.NewOrchestrator(s, identity.NewResolver(s, nil, logger), migration.ParsePolicy(policy), logger)
				acc, err := o.Claim(ctx, migration.ClaimRequest{
					Token:       strings.TrimSpace(token),
					Identity:    strings.TrimSpace(ident),
					DisplayName: strings.TrimSpace(displayName),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewOf(acc))
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token of the anonymous account")
	cmd.Flags().StringVar(&ident, "identity", "", "target identity")
	cmd.Flags().StringVar(&displayName, "display-name", "", "new display name")
	cmd.Flags().StringVar(&policy, "policy", string(migration.PolicyReplace), "conflict policy, replace or reject")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

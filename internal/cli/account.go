package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/spf13/cobra"
)

type accountView struct {
	Identity     string    `json:"identity"`
	AccountID    string    `json:"account_id"`
	LegacyID     string    `json:"legacy_id"`
	Anonymous    bool      `json:"is_anonymous"`
	DisplayName  string    `json:"display_name,omitempty"`
	Token        string    `json:"token,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	ClientIP     string    `json:"client_ip,omitempty"`
	AnonymousUID string    `json:"anonymous_uid,omitempty"`
	WorldPath    string    `json:"world_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func viewOf(a *models.Account) accountView {
	return accountView{
		Identity:     a.Identity,
		AccountID:    a.AccountID,
		LegacyID:     a.LegacyID,
		Anonymous:    a.IsAnonymous(),
		DisplayName:  a.DisplayName,
		Token:        a.Token,
		DeviceID:     a.DeviceID,
		ClientIP:     a.ClientIP,
		AnonymousUID: a.AnonymousUID,
		WorldPath:    a.WorldPath,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func newAccountCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect and remove accounts.",
	}
	cmd.AddCommand(newAccountShowCommand(opts), newAccountDeleteCommand(opts), newAccountCountCommand(opts))
	return cmd
}

// findAccount looks key up as an identity, an account id and a token, in
// that order.
func findAccount(ctx context.Context, r storage.Repos, key string) (*models.Account, error) {
	lookups := []func(context.Context, string) (*models.Account, error){
		r.Accounts.GetByIdentity,
		r.Accounts.GetByAccountID,
		r.Accounts.GetByToken,
	}
	for _, get := range lookups {
		acc, err := get(ctx, key)
		if err == nil {
			return acc, nil
		}
		if !errors.Is(err, common.ErrorNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no account matches %q", common.ErrorNotFound, key)
}

func newAccountShowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <identity|account-id|token>",
		Short: "Print one account as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				var acc *models.Account
				err := s.Read(ctx, func(ctx context.Context, r storage.Repos) error {
					var err error
					acc, err = findAccount(ctx, r, strings.TrimSpace(args[0]))
					return err
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewOf(acc))
			})
		},
	}
}

func newAccountDeleteCommand(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <identity>",
		Short: "Delete an account by identity.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident := strings.TrimSpace(args[0])
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Delete account %s?", ident))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}
			return opts.withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				err := s.Write(ctx, func(ctx context.Context, r storage.Repos) error {
					if _, err := r.Accounts.GetByIdentity(ctx, ident); err != nil {
						return err
					}
					return r.Accounts.Delete(ctx, ident)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", ident)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newAccountCountCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored accounts.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				var n int
				err := s.Read(ctx, func(ctx context.Context, r storage.Repos) error {
					var err error
					n, err = r.Accounts.Count(ctx)
					return err
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

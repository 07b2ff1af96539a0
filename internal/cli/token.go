package cli

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/server/auth"
	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Decode and mint bearer tokens.",
	}
	cmd.AddCommand(newTokenDecodeCommand(), newTokenIssueCommand())
	return cmd
}

type decodedToken struct {
	AccountID string `json:"account_id"`
	Layout    string `json:"layout"`
}

// layoutOf names the codec that decodes token as presented; tokens that
// only decode after base64 unwrapping report "base64".
func layoutOf(token string) string {
	for _, c := range auth.Codecs {
		if _, ok := c.Decode(token); ok {
			return c.Version()
		}
	}
	return "base64"
}

func newTokenDecodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <token>",
		Short: "Print the account id embedded in a token.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(args[0])
			id, ok := auth.ExtractAccountID(token)
			if !ok {
				return fmt.Errorf("%w: no account id in token", common.ErrorValidation)
			}
			return printJSON(cmd.OutOrStdout(), decodedToken{AccountID: id, Layout: layoutOf(token)})
		},
	}
}

func newTokenIssueCommand() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "issue <account-id>",
		Short: "Mint a token for an account id in the current layout.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t auth.TokenType
			switch strings.ToUpper(kind) {
			case string(auth.AccessToken):
				t = auth.AccessToken
			case string(auth.AccessCode):
				t = auth.AccessCode
			default:
				return fmt.Errorf("%w: unknown token type %q", common.ErrorValidation, kind)
			}
			token, err := auth.Issue(t, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", string(auth.AccessToken), "token type, AT or AC")
	return cmd
}

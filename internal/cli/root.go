// Package cli implements nucleusctl, the operator tool that inspects and
// repairs the account database of a stopped or running nucleus server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/spf13/cobra"
)

const dsnEnv = "NUCLEUS_DATABASE_DSN"

type options struct {
	dsn      string
	logLevel string
}

// NewRootCommand builds the nucleusctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "nucleusctl",
		Short: "Operator tool for the nucleus identity server.",
		Long: `nucleusctl inspects accounts, decodes and mints tokens, runs the ` +
			`identity resolver and performs manual identity claims against ` +
			`the server's SQLite database.`,
		SilenceUsage: true,
	}

	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		dsn = "nucleus.db"
	}
	root.PersistentFlags().StringVar(&opts.dsn, "db", dsn, "SQLite database path (env "+dsnEnv+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")

	root.AddCommand(
		newAccountCommand(opts),
		newTokenCommand(),
		newResolveCommand(opts),
		newClaimCommand(opts),
		newCodeCommand(opts),
	)
	return root
}

// Execute runs nucleusctl against os.Args.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *options) logger(cmd *cobra.Command) logging.Logger {
	return logging.NewJSONLogger(cmd.ErrOrStderr(), o.logLevel)
}

// withStore opens the database for the duration of fn.
func (o *options) withStore(cmd *cobra.Command, fn func(ctx context.Context, s *storage.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := storage.Open(ctx, o.dsn, o.logger(cmd))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// Package dbx provides tiny DB abstractions shared by repositories:
// a minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx,
// and a helper to run functions inside a transaction.
package dbx

import (
	"context"
	"database/sql"
	"errors"
)

// DBTX is the subset of database/sql used by our repos.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CommitFunc finishes a transaction. The default calls tx.Commit.
type CommitFunc func(tx *sql.Tx) error

// commitTx is a seam for tests that need the final commit to fail.
var commitTx CommitFunc = func(tx *sql.Tx) error {
	return tx.Commit()
}

// WithTx begins a transaction, runs fn with a transactional handle, and then
// commits on success or rolls back on error/panic. Panics are rethrown.
// Every path ends the transaction exactly once: a failed commit is followed
// by a rollback so the connection never stays inside an open transaction.
//
// Typical use:
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    // use tx instead of db
//	    _, err := tx.ExecContext(ctx, "UPDATE ...")
//	    return err
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) error {
	return WithTxCommit(ctx, db, opts, nil, fn)
}

// WithTxCommit is WithTx with a caller supplied commit step; nil means the
// default. The rollback guarantees are the same.
func WithTxCommit(ctx context.Context, db *sql.DB, opts *sql.TxOptions, commit CommitFunc, fn func(ctx context.Context, tx DBTX) error) (err error) {
	if commit == nil {
		commit = commitTx
	}

	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = commit(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	err = fn(ctx, tx)
	return err
}

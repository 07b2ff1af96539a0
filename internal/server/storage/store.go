// Package storage owns the single embedded SQLite node behind the account
// store: connection setup, migrations, the write lock, the one-transaction
// rule and local retries of transient failures.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/dbx"
	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/nucleus/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/nucleus/internal/server/repositories/verifications"
	_ "modernc.org/sqlite"
)

const (
	maxAttempts       = 2
	defaultRetryDelay = 50 * time.Millisecond
)

// Repos is the set of repositories bound to one handle: the pool for Read
// and Write, the open transaction inside WithTx.
type Repos struct {
	Accounts      accounts.Repository
	Verifications verifications.Repository
}

// Store serialises write-shaped work and allows at most one transaction at
// a time. A second WithTx while one is active fails with
// common.ErrorTransactionActive instead of waiting.
//
// The pool holds a single connection, so code running inside WithTx must
// use the Repos it is handed; touching the Store again from there blocks.
type Store struct {
	db      *sql.DB
	manager repomanager.RepositoryManager
	logger  logging.Logger

	writeMu sync.Mutex
	inTx    atomic.Bool

	retryDelay time.Duration
	commit     dbx.CommitFunc
}

type Option func(*Store)

// WithRetryDelay sets the pause between attempts of a transient failure.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) { s.retryDelay = d }
}

// WithCommitFunc replaces the commit step of every transaction.
func WithCommitFunc(fn dbx.CommitFunc) Option {
	return func(s *Store) { s.commit = fn }
}

// New wraps an already opened database. Migrations are not run.
func New(db *sql.DB, manager repomanager.RepositoryManager, logger logging.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = logging.Nop{}
	}
	s := &Store{
		db:         db,
		manager:    manager,
		logger:     logger.With("module", "storage"),
		retryDelay: defaultRetryDelay,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DSN turns a path into a modernc DSN with a busy timeout; file databases
// also get WAL journaling. DSNs that already carry parameters are kept.
func DSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	dsn := path + "?_pragma=busy_timeout(5000)"
	if path != ":memory:" && !strings.HasPrefix(path, "file::memory:") {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	return dsn
}

// Open opens the SQLite database at path, pings it and applies migrations.
func Open(ctx context.Context, path string, logger logging.Logger, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: storage path is required", common.ErrorValidation)
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	manager := repomanager.NewSQLiteRepositoryManager()
	if err := manager.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return New(db, manager, logger, opts...), nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) repos(db dbx.DBTX) Repos {
	return Repos{
		Accounts:      s.manager.Accounts(db),
		Verifications: s.manager.Verifications(db),
	}
}

// InTransaction reports whether a transaction is currently open.
func (s *Store) InTransaction() bool {
	return s.inTx.Load()
}

// Read runs read-only work against the pool.
func (s *Store) Read(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	return s.retry(ctx, "read", func() error {
		return fn(ctx, s.repos(s.db))
	})
}

// Write runs a non-transactional write under the write lock. fn may be
// attempted twice, so it must be idempotent.
func (s *Store) Write(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retry(ctx, "write", func() error {
		return fn(ctx, s.repos(s.db))
	})
}

// WithTx runs fn inside the single permitted transaction. It commits when fn
// returns nil and rolls back otherwise; it is never retried.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	if !s.inTx.CompareAndSwap(false, true) {
		return common.ErrorTransactionActive
	}
	defer s.inTx.Store(false)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return dbx.WithTxCommit(ctx, s.db, nil, s.commit, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, s.repos(tx))
	})
}

func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, common.ErrorStoreUnavailable) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		s.logger.Warn(ctx, "transient store failure, retrying", "op", op, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(s.retryDelay):
		}
	}
	return err
}

package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/nucleus/internal/dbx"
	"github.com/dmitrijs2005/nucleus/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/nucleus/internal/server/repositories/verifications"
)

// RepositoryManager vends repositories bound to a DBTX so the same code runs
// against the pool or inside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Accounts(db dbx.DBTX) accounts.Repository
	Verifications(db dbx.DBTX) verifications.Repository
}

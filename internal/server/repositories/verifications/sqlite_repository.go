package verifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/dbx"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func dbError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrorNotFound
	}
	return fmt.Errorf("db error: %w: %w", common.ErrorStoreUnavailable, err)
}

// Upsert replaces any pending code for the identity and resets attempts.
func (r *SQLiteRepository) Upsert(ctx context.Context, code *models.VerificationCode) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verification_codes (identity, digest, expires_at, attempts, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(identity) DO UPDATE SET
		  digest = excluded.digest,
		  expires_at = excluded.expires_at,
		  attempts = 0,
		  created_at = excluded.created_at
	`, code.Identity, code.Digest, code.ExpiresAt.UTC().UnixMilli(), code.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return dbError(err)
	}
	code.Attempts = 0
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, identity string) (*models.VerificationCode, error) {
	var (
		c                  models.VerificationCode
		expires, createdAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT identity, digest, expires_at, attempts, created_at FROM verification_codes WHERE identity = ?`,
		identity).Scan(&c.Identity, &c.Digest, &expires, &c.Attempts, &createdAt)
	if err != nil {
		return nil, dbError(err)
	}
	c.ExpiresAt = time.UnixMilli(expires).UTC()
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &c, nil
}

// IncrementAttempts bumps the attempt counter and returns its new value.
func (r *SQLiteRepository) IncrementAttempts(ctx context.Context, identity string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`UPDATE verification_codes SET attempts = attempts + 1 WHERE identity = ? RETURNING attempts`,
		identity).Scan(&n)
	if err != nil {
		return 0, dbError(err)
	}
	return n, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, identity string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE identity = ?`, identity); err != nil {
		return dbError(err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE expires_at <= ?`, before.UTC().UnixMilli())
	if err != nil {
		return 0, dbError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError(err)
	}
	return n, nil
}

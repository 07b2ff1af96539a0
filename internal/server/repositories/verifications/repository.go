// Package verifications stores pending verification codes.
package verifications

import (
	"context"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/server/models"
)

type Repository interface {
	Upsert(ctx context.Context, code *models.VerificationCode) error
	Get(ctx context.Context, identity string) (*models.VerificationCode, error)
	IncrementAttempts(ctx context.Context, identity string) (int, error)
	Delete(ctx context.Context, identity string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

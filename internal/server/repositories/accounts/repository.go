// Package accounts persists Account rows in the embedded SQLite store.
package accounts

import (
	"context"

	"github.com/dmitrijs2005/nucleus/internal/server/models"
)

// Repository is the account table. Single-row lookups return
// common.ErrorNotFound when nothing matches; when several rows match they
// prefer registered accounts over anonymous ones, then the newest row.
type Repository interface {
	Create(ctx context.Context, account *models.Account) error
	Update(ctx context.Context, account *models.Account) error
	Delete(ctx context.Context, identity string) error

	GetByIdentity(ctx context.Context, identity string) (*models.Account, error)
	GetByToken(ctx context.Context, token string) (*models.Account, error)
	GetByAccountID(ctx context.Context, accountID string) (*models.Account, error)
	GetByLegacyID(ctx context.Context, legacyID string) (*models.Account, error)
	GetByAccessCode(ctx context.Context, code string) (*models.Account, error)
	GetByDeviceID(ctx context.Context, deviceID string) (*models.Account, error)
	GetByAnonymousUID(ctx context.Context, uid string) (*models.Account, error)
	GetByAnonymousSessionID(ctx context.Context, sessionID string) (*models.Account, error)
	ListByClientIP(ctx context.Context, ip string) ([]*models.Account, error)

	UpdateToken(ctx context.Context, identity, token string) error
	UpdateAccessCode(ctx context.Context, identity, code string) error
	UpdateDevice(ctx context.Context, identity string, update models.DeviceUpdate) error
	ClearToken(ctx context.Context, identity string) error

	ListAccountIDs(ctx context.Context) ([]models.AccountRef, error)
	ListTokens(ctx context.Context) ([]models.AccountRef, error)

	LatestAccountID(ctx context.Context) (string, error)
	LatestLegacyID(ctx context.Context) (string, error)
	AccountIDExists(ctx context.Context, accountID string) (bool, error)
	LegacyIDExists(ctx context.Context, legacyID string) (bool, error)
	AnonymousUIDExists(ctx context.Context, uid string) (bool, error)

	DeleteAnonymousDuplicates(ctx context.Context, keepIdentity, token, accountID string) (int64, error)
	Count(ctx context.Context) (int, error)
}

package ids

import (
	"context"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
)

// Allocator mints account ids and legacy ids against the account store.
type Allocator struct {
	accounts *Sequence
	legacy   *Sequence
}

func NewAllocator(store *storage.Store, logger logging.Logger) *Allocator {
	return &Allocator{
		accounts: NewSequence("account_id", common.AccountIDWidth, accountIDSource{store}, logger),
		legacy:   NewSequence("legacy_id", common.LegacyIDWidth, legacyIDSource{store}, logger),
	}
}

// NextAccountID returns a fresh 13-digit account id.
func (a *Allocator) NextAccountID(ctx context.Context) string {
	return a.accounts.Next(ctx)
}

// NextLegacyID returns a fresh 38-digit legacy id.
func (a *Allocator) NextLegacyID(ctx context.Context) string {
	return a.legacy.Next(ctx)
}

type accountIDSource struct {
	store *storage.Store
}

func (s accountIDSource) Latest(ctx context.Context) (id string, err error) {
	err = s.store.Read(ctx, func(ctx context.Context, r storage.Repos) error {
		id, err = r.Accounts.LatestAccountID(ctx)
		return err
	})
	return id, err
}

func (s accountIDSource) Exists(ctx context.Context, id string) (ok bool, err error) {
	err = s.store.Read(ctx, func(ctx context.Context, r storage.Repos) error {
		ok, err = r.Accounts.AccountIDExists(ctx, id)
		return err
	})
	return ok, err
}

type legacyIDSource struct {
	store *storage.Store
}

func (s legacyIDSource) Latest(ctx context.Context) (id string, err error) {
	err = s.store.Read(ctx, func(ctx context.Context, r storage.Repos) error {
		id, err = r.Accounts.LatestLegacyID(ctx)
		return err
	})
	return id, err
}

func (s legacyIDSource) Exists(ctx context.Context, id string) (ok bool, err error) {
	err = s.store.Read(ctx, func(ctx context.Context, r storage.Repos) error {
		ok, err = r.Accounts.LegacyIDExists(ctx, id)
		return err
	})
	return ok, err
}

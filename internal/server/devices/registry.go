package devices

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/dmitrijs2005/nucleus/internal/shared"
	"github.com/google/uuid"
)

// MaxUIDAttempts bounds the search for an unused anonymous uid.
const MaxUIDAttempts = 20

// Lookup is the slice of the account store the registry validates against.
type Lookup interface {
	AccountByDeviceID(ctx context.Context, deviceID string) (*models.Account, error)
	AnonymousUIDTaken(ctx context.Context, uid string) (bool, error)
}

// Registry hands out device ids and anonymous uids per client address,
// using the cache as a hint and the store as the authority.
type Registry struct {
	cache  *Cache
	lookup Lookup
	logger logging.Logger

	newDeviceID func() string
	newUID      func() (string, error)
}

func NewRegistry(cache *Cache, lookup Lookup, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Registry{
		cache:       cache,
		lookup:      lookup,
		logger:      logger.With("module", "devices"),
		newDeviceID: uuid.NewString,
		newUID: func() (string, error) {
			return shared.RandomDigits(common.AnonymousUIDWidth, true)
		},
	}
}

func (r *Registry) Cache() *Cache {
	return r.cache
}

// GetOrAllocateDeviceID returns the device id cached for address unless the
// store already binds it to an account other than owner; an empty owner
// never matches. Otherwise a fresh id is minted and cached.
func (r *Registry) GetOrAllocateDeviceID(ctx context.Context, address, owner string) string {
	if fp, ok := r.cache.Get(address); ok && fp.DeviceID != "" {
		acc, err := r.lookup.AccountByDeviceID(ctx, fp.DeviceID)
		switch {
		case errors.Is(err, common.ErrorNotFound):
			r.cache.Put(models.DeviceFingerprint{Address: address, Owner: owner})
			return fp.DeviceID
		case err != nil:
			r.logger.Warn(ctx, "device id check failed, minting a new one", "address", address, "error", err)
		case owner != "" && strings.EqualFold(acc.Identity, owner):
			return fp.DeviceID
		default:
			r.logger.Info(ctx, "cached device id belongs to another account, minting a new one",
				"address", address, "device_id", fp.DeviceID)
		}
	}

	id := r.newDeviceID()
	r.cache.Put(models.DeviceFingerprint{Address: address, DeviceID: id, Owner: owner})
	return id
}

// GetOrAllocateAnonUID returns the anonymous uid cached for address or mints
// an 11-digit one unused in the store. When every attempt collides the last
// candidate is kept and a warning logged.
func (r *Registry) GetOrAllocateAnonUID(ctx context.Context, address string) string {
	if fp, ok := r.cache.Get(address); ok && fp.AnonymousUID != "" {
		return fp.AnonymousUID
	}

	var candidate string
	for i := 0; i < MaxUIDAttempts; i++ {
		uid, err := r.newUID()
		if err != nil {
			continue
		}
		candidate = uid

		taken, err := r.lookup.AnonymousUIDTaken(ctx, uid)
		if err == nil && !taken {
			r.cache.Put(models.DeviceFingerprint{Address: address, AnonymousUID: uid})
			return uid
		}
	}

	if candidate == "" {
		candidate = fallbackUID()
	}
	r.logger.Warn(ctx, "anonymous uid attempts exhausted, keeping last candidate",
		"address", address, "attempts", MaxUIDAttempts)
	r.cache.Put(models.DeviceFingerprint{Address: address, AnonymousUID: candidate})
	return candidate
}

// fallbackUID derives an 11-digit uid from a random UUID, used when digit
// generation itself keeps failing.
func fallbackUID() string {
	u := uuid.New()
	n := binary.BigEndian.Uint64(u[:8])
	return strconv.FormatUint(n%90000000000+10000000000, 10)
}

// StoreLookup adapts the account store to Lookup.
type StoreLookup struct {
	Store *storage.Store
}

func (l StoreLookup) AccountByDeviceID(ctx context.Context, deviceID string) (acc *models.Account, err error) {
	err = l.Store.Read(ctx, func(ctx context.Context, r storage.Repos) error {
		acc, err = r.Accounts.GetByDeviceID(ctx, deviceID)
		return err
	})
	return acc, err
}

func (l StoreLookup) AnonymousUIDTaken(ctx context.Context, uid string) (ok bool, err error) {
	err = l.Store.Read(ctx, func(ctx context.Context, r storage.Repos) error {
		ok, err = r.Accounts.AnonymousUIDExists(ctx, uid)
		return err
	})
	return ok, err
}

// Package devices keeps the in-memory device correlation cache: client
// address to device fingerprint, each entry living for a TTL from its last
// write. Entries are hints; anything used for an identity decision is
// checked against the account store first.
package devices

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
)

// DefaultTTL is how long an entry survives without a write.
const DefaultTTL = 24 * time.Hour

type Cache struct {
	mu      sync.Mutex
	entries map[string]models.DeviceFingerprint
	ttl     time.Duration
	logger  logging.Logger

	now func() time.Time
}

func NewCache(ttl time.Duration, logger logging.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Cache{
		entries: make(map[string]models.DeviceFingerprint),
		ttl:     ttl,
		logger:  logger.With("module", "devices"),
		now:     time.Now,
	}
}

// Get returns the live entry for address.
func (c *Cache) Get(address string) (models.DeviceFingerprint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fp, ok := c.entries[address]
	if !ok {
		return models.DeviceFingerprint{}, false
	}
	if fp.Expired(c.now()) {
		delete(c.entries, address)
		return models.DeviceFingerprint{}, false
	}
	return fp, true
}

// Put merges the non-empty fields of fp into the entry for fp.Address and
// pushes its expiry out by the TTL.
func (c *Cache) Put(fp models.DeviceFingerprint) models.DeviceFingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(fp)
}

func (c *Cache) putLocked(fp models.DeviceFingerprint) models.DeviceFingerprint {
	now := c.now()
	cur, ok := c.entries[fp.Address]
	if !ok || cur.Expired(now) {
		cur = models.DeviceFingerprint{Address: fp.Address}
	}

	merge := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	merge(&cur.DeviceID, fp.DeviceID)
	merge(&cur.PlatformVendorID, fp.PlatformVendorID)
	merge(&cur.AdvertisingID, fp.AdvertisingID)
	merge(&cur.PlatformID, fp.PlatformID)
	merge(&cur.AnonymousUID, fp.AnonymousUID)
	merge(&cur.Owner, fp.Owner)

	cur.ExpiresAt = now.Add(c.ttl)
	c.entries[fp.Address] = cur
	return cur
}

func (c *Cache) Forget(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, address)
}

// Sweep drops expired entries and returns how many went.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for addr, fp := range c.entries {
		if fp.Expired(now) {
			delete(c.entries, addr)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug(ctx, "device cache swept", "removed", n, "remaining", c.Len())
			}
		}
	}
}

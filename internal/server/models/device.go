package models

import "time"

// DeviceFingerprint is the cached view of a client address. It is a hint
// only and is re-validated against the store before any identity decision.
type DeviceFingerprint struct {
	Address string

	DeviceID         string
	PlatformVendorID string
	AdvertisingID    string
	PlatformID       string
	AnonymousUID     string

	// Owner is the identity the cached device id was last handed to.
	Owner string

	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (f DeviceFingerprint) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

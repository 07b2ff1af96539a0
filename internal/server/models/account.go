// Package models defines server-side data models persisted in the database.
package models

import (
	"strings"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/common"
)

// Account is one row of the accounts table. Identity is the primary key
// (case-insensitive); every other string field is optional and stored as
// NULL when empty.
type Account struct {
	// Identity is the external identity: an email address or a synthetic
	// "anonymous_<random>" placeholder.
	Identity string

	// AccountID is the 13-digit primary numeric id.
	AccountID string
	// LegacyID is the 38-digit "mayhem" id kept for older clients.
	LegacyID string

	Token          string
	AccessCode     string
	LongLivedToken string
	Credential     string
	DisplayName    string

	WorldName  string
	WorldPath  string
	WorldToken string

	DeviceID         string
	PlatformVendorID string
	AdvertisingID    string
	PlatformID       string
	ClientIP         string
	CombinedID       string
	Manufacturer     string
	Model            string
	SessionKey       string

	AnonymousUID       string
	AnonymousSessionID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAnonymous reports whether the account still carries a placeholder
// identity.
func (a *Account) IsAnonymous() bool {
	return IsAnonymousIdentity(a.Identity)
}

// IsAnonymousIdentity reports whether identity is a synthetic placeholder.
func IsAnonymousIdentity(identity string) bool {
	return strings.HasPrefix(strings.ToLower(identity), common.AnonymousPrefix)
}

// Clone returns a shallow copy; all fields are values.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// DeviceUpdate carries device signals reported by a client. Empty fields
// leave the stored value untouched.
type DeviceUpdate struct {
	DeviceID           string
	PlatformVendorID   string
	AdvertisingID      string
	PlatformID         string
	ClientIP           string
	CombinedID         string
	Manufacturer       string
	Model              string
	AnonymousUID       string
	AnonymousSessionID string
}

// Apply copies the non-empty fields of u onto a.
func (u DeviceUpdate) Apply(a *Account) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&a.DeviceID, u.DeviceID)
	set(&a.PlatformVendorID, u.PlatformVendorID)
	set(&a.AdvertisingID, u.AdvertisingID)
	set(&a.PlatformID, u.PlatformID)
	set(&a.ClientIP, u.ClientIP)
	set(&a.CombinedID, u.CombinedID)
	set(&a.Manufacturer, u.Manufacturer)
	set(&a.Model, u.Model)
	set(&a.AnonymousUID, u.AnonymousUID)
	set(&a.AnonymousSessionID, u.AnonymousSessionID)
}

// AccountRef is the slim projection used by scans over every account.
type AccountRef struct {
	Identity  string
	AccountID string
	Token     string
}

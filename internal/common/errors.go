// Package common defines shared constants and sentinel errors used across
// the identity service. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound          = errors.New("not found")
	ErrorAlreadyExists     = errors.New("already exists")
	ErrorStoreUnavailable  = errors.New("store unavailable")
	ErrorTransactionActive = errors.New("already in transaction")

	// Resolution errors.
	ErrorAmbiguousCredential  = errors.New("ambiguous credential")
	ErrorAuthenticationFailed = errors.New("authentication failed")

	// Allocation fallback marker; logged, never returned to callers.
	ErrorAllocationExhausted = errors.New("allocation exhausted")

	// Migration errors.
	ErrorMigrationFailed   = errors.New("migration failed")
	ErrorIdentityTaken     = errors.New("identity already taken")
	ErrorInvalidTransition = errors.New("invalid account transition")

	// Verification errors.
	ErrorInvalidCode    = errors.New("invalid verification code")
	ErrorRateLimited    = errors.New("rate limited")
	ErrorDeliveryFailed = errors.New("verification delivery failed")

	// Service-level errors.
	ErrorInternal   = errors.New("internal error")
	ErrorValidation = errors.New("validation error")
)

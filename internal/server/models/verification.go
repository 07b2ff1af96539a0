package models

import "time"

// VerificationCode is a pending code awaiting confirmation. Only a keyed
// digest of the code is stored.
type VerificationCode struct {
	Identity  string
	Digest    []byte
	ExpiresAt time.Time
	Attempts  int
	CreatedAt time.Time
}

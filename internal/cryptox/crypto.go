// Package cryptox holds the keyed digests used for short-lived
// verification codes. Codes are never stored in clear.
package cryptox

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DeriveKey turns an operator supplied secret of any length into a
// 32-byte blake2b key.
func DeriveKey(secret string) []byte {
	k := blake2b.Sum256([]byte(secret))
	return k[:]
}

// CodeDigest returns the keyed blake2b-256 digest of code bound to identity.
//
// The identity is folded to lower case so "User@x" and "user@x" share a
// digest, matching the store's case-insensitive identity column. Keys longer
// than 64 bytes are rejected by blake2b; callers should pass DeriveKey output.
func CodeDigest(key []byte, identity, code string) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(strings.ToLower(identity)))
	h.Write([]byte{0})
	h.Write([]byte(code))
	return h.Sum(nil), nil
}

// VerifyCode reports whether code matches digest for identity. The
// comparison is constant time.
func VerifyCode(key []byte, identity, code string, digest []byte) bool {
	got, err := CodeDigest(key, identity, code)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, digest) == 1
}

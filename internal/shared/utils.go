// Package shared provides utility functions for working with
// random strings and secure memory wiping.
package shared

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

const (
	digits   = "0123456789"
	alphanum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// MakeRandHexString generates a random hexadecimal string of the given size.
// The size parameter specifies the number of random bytes to generate before
// encoding them as a hexadecimal string. As a result, the final string length
// will be twice the size (since each byte expands to two hex characters).
//
// It returns an error if the random number generator fails.
func MakeRandHexString(size int) (string, error) {

	b := make([]byte, size)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// RandomDigits returns n random decimal digits. When nonZeroFirst is set the
// leading digit is drawn from 1-9 so the value keeps its width when parsed.
func RandomDigits(n int, nonZeroFirst bool) (string, error) {
	out, err := randomFrom(digits, n)
	if err != nil || n == 0 || !nonZeroFirst {
		return out, err
	}
	lead, err := randomFrom(digits[1:], 1)
	if err != nil {
		return "", err
	}
	return lead + out[1:], nil
}

// RandomAlnum returns n random characters from [A-Za-z0-9].
func RandomAlnum(n int) (string, error) {
	return randomFrom(alphanum, n)
}

func randomFrom(alphabet string, n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}

// WipeByteArray overwrites the contents of the provided byte slice with zeros.
// This is useful for removing sensitive data such as verification codes
// from memory after use.
//
// If the slice is nil, the function does nothing.
func WipeByteArray(b []byte) {
	if b == nil {
		return
	}
	for i := range b {
		b[i] = 0
	}
}

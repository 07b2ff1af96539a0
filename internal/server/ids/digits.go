package ids

import (
	"strings"

	"github.com/dmitrijs2005/nucleus/internal/shared"
)

// Normalize keeps the digits of s, truncates to the last width of them and
// left-pads with zeros.
func Normalize(s string, width int) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	d := b.String()
	if len(d) > width {
		d = d[len(d)-width:]
	}
	return strings.Repeat("0", width-len(d)) + d
}

// Increment adds one to a decimal string with carry. An all-nines value
// wraps to all zeros of the same width.
func Increment(s string) string {
	b := []byte(s)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < '9' {
			b[i]++
			return string(b)
		}
		b[i] = '0'
	}
	return string(b)
}

// IsDigits reports whether s is a non-empty run of decimal digits.
func IsDigits(s string) bool {
	return shared.IsDigits(s)
}

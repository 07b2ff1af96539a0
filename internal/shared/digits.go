package shared

import "strings"

// IsDigits reports whether s is non-empty and made only of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// PadDigits left-pads a numeric s with zeros to width. Non-numeric values
// and values already at least width long are returned unchanged.
func PadDigits(s string, width int) string {
	if !IsDigits(s) || len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// TrimZeros strips leading zeros, keeping a single "0" for all-zero input.
func TrimZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" && s != "" {
		return "0"
	}
	return t
}

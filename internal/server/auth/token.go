// Package auth builds and parses the opaque bearer tokens handed to game
// clients, and the unsigned id_token wrapper returned next to them.
//
// Tokens look like
//
//	AT0:2.0:3.0:86400:<random>:<account id>:<suffix>
//
// Two layouts have been issued over time and both must keep decoding.
package auth

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/shared"
)

// TokenType is the two-letter prefix of a token.
type TokenType string

const (
	AccessToken TokenType = "AT"
	AccessCode  TokenType = "AC"
)

const (
	currentSuffix = "MPDON"
	fieldCount    = 7
	accountField  = 5
)

// Codec is one token layout. Decode never fails loudly: it reports whether
// an account id could be recovered.
type Codec interface {
	Version() string
	Encode(t TokenType, accountID string) (string, error)
	Decode(token string) (accountID string, ok bool)
}

// PreambleLength is the length of the fixed head shared by every token of a
// type, e.g. "AT0:2.0:3.0:86400:".
var PreambleLength = len(preamble(AccessToken))

func preamble(t TokenType) string {
	return string(t) + "0:2.0:3.0:" + strconv.Itoa(common.TokenValiditySeconds) + ":"
}

// CurrentCodec is the layout issued today:
// preamble + random(10) + ":" + zeroPad13(accountID) + ":MPDON".
type CurrentCodec struct{}

func (CurrentCodec) Version() string { return "v2" }

func (CurrentCodec) Encode(t TokenType, accountID string) (string, error) {
	if !shared.IsDigits(accountID) {
		return "", fmt.Errorf("%w: account id %q is not numeric", common.ErrorValidation, accountID)
	}
	r, err := shared.RandomAlnum(10)
	if err != nil {
		return "", err
	}
	return preamble(t) + r + ":" + shared.PadDigits(accountID, common.AccountIDWidth) + ":" + currentSuffix, nil
}

// Decode returns the field just before the MPDON suffix.
func (CurrentCodec) Decode(token string) (string, bool) {
	parts := strings.Split(token, ":")
	if len(parts) < 3 || parts[len(parts)-1] != currentSuffix {
		return "", false
	}
	id := parts[len(parts)-2]
	if !shared.IsDigits(id) {
		return "", false
	}
	return id, true
}

// LegacyCodec is the original layout:
// preamble + random(32) + ":" + accountID + ":" + random(5).
type LegacyCodec struct{}

func (LegacyCodec) Version() string { return "v1" }

func (LegacyCodec) Encode(t TokenType, accountID string) (string, error) {
	if accountID == "" || strings.Contains(accountID, ":") {
		return "", fmt.Errorf("%w: bad account id %q", common.ErrorValidation, accountID)
	}
	head, err := shared.RandomAlnum(32)
	if err != nil {
		return "", err
	}
	tail, err := shared.RandomAlnum(5)
	if err != nil {
		return "", err
	}
	return preamble(t) + head + ":" + accountID + ":" + tail, nil
}

// Decode takes the sixth colon-separated field.
func (LegacyCodec) Decode(token string) (string, bool) {
	parts := strings.Split(token, ":")
	if len(parts) < fieldCount-1 {
		return "", false
	}
	id := parts[accountField]
	if !shared.IsDigits(id) {
		return "", false
	}
	return id, true
}

// Codecs lists every known layout, newest first.
var Codecs = []Codec{CurrentCodec{}, LegacyCodec{}}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.URLEncoding,
	base64.RawStdEncoding,
	base64.RawURLEncoding,
}

// ExtractAccountID recovers the account id embedded in token. Each layout is
// tried on the token as presented and then on its base64-decoded form.
func ExtractAccountID(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	if id, ok := decodeRaw(token); ok {
		return id, true
	}
	for _, enc := range base64Encodings {
		b, err := enc.DecodeString(token)
		if err != nil || !utf8.Valid(b) {
			continue
		}
		if id, ok := decodeRaw(strings.TrimSpace(string(b))); ok {
			return id, true
		}
	}
	return "", false
}

func decodeRaw(token string) (string, bool) {
	for _, c := range Codecs {
		if id, ok := c.Decode(token); ok {
			return id, true
		}
	}
	return "", false
}

// Issue mints a token of type t for accountID in the current layout.
func Issue(t TokenType, accountID string) (string, error) {
	return CurrentCodec{}.Encode(t, accountID)
}

package auth

import (
	"time"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/golang-jwt/jwt/v5"
)

// IDClaims is the payload of the id_token returned by connect. The token is
// unsigned ("alg": "none") and only mirrors what clients expect to read;
// the server never trusts it for identity.
type IDClaims struct {
	jwt.RegisteredClaims
	LegacyID  string `json:"pid_id,omitempty"`
	Anonymous bool   `json:"anonymous"`
	Persona   string `json:"persona,omitempty"`
}

// IssueIDToken wraps account in an unsigned JWT issued at now.
func IssueIDToken(issuer string, account *models.Account, now time.Time) (string, error) {
	claims := IDClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   account.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(common.TokenValiditySeconds * time.Second)),
		},
		LegacyID:  account.LegacyID,
		Anonymous: account.IsAnonymous(),
		Persona:   account.DisplayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	return token.SignedString(jwt.UnsafeAllowNoneSignatureType)
}

// ParseIDToken reads an id_token back without validating expiry. It is meant
// for operator tooling.
func ParseIDToken(tokenString string) (*IDClaims, error) {
	claims := &IDClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return jwt.UnsafeAllowNoneSignatureType, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodNone.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

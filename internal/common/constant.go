package common

const (
	// AuthParamsHeaderName carries the bearer token in the game's custom
	// auth-params header.
	AuthParamsHeaderName = "mh_auth_params"

	// NucleusTokenHeaderName is the device-nucleus style token header.
	NucleusTokenHeaderName = "nucleus_token"

	// AccessTokenParamName is the query/form/body field holding the token.
	AccessTokenParamName = "access_token"

	// AnonymousPrefix marks synthetic placeholder identities.
	AnonymousPrefix = "anonymous_"

	// AccountIDWidth is the fixed width of account ids.
	AccountIDWidth = 13

	// LegacyIDWidth is the fixed width of legacy ("mayhem") ids.
	LegacyIDWidth = 38

	// AnonymousUIDWidth is the width of anonymous numeric uids.
	AnonymousUIDWidth = 11

	// TokenValiditySeconds is the validity advertised inside every token.
	TokenValiditySeconds = 86400
)

package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/server/devices"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, accounts ...*models.Account) *storage.Store {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for _, a := range accounts {
		require.NoError(t, s.Write(ctx, func(ctx context.Context, r storage.Repos) error {
			return r.Accounts.Create(ctx, a)
		}))
	}
	return s
}

func getAccount(t *testing.T, s *storage.Store, identity string) *models.Account {
	t.Helper()
	var acc *models.Account
	require.NoError(t, s.Read(context.Background(), func(ctx context.Context, r storage.Repos) error {
		var err error
		acc, err = r.Accounts.GetByIdentity(ctx, identity)
		return err
	}))
	return acc
}

const tokenA = "AT0:2.0:3.0:86400:abcdefghij:0000000000123:MPDON"

func TestStrategiesOrder(t *testing.T) {
	r := NewResolver(newStore(t), nil, nil)
	assert.Equal(t, []string{
		StrategyExactToken, StrategyEmbeddedAccountID, StrategyAccountIDHeuristic, StrategyTokenPrefix,
		StrategyDeviceID, StrategyAnonymousSession, StrategyClientAddress,
	}, r.Strategies())
}

func TestResolve_ExactTokenIsIdempotent(t *testing.T) {
	s := newStore(t, &models.Account{Identity: "a@x", AccountID: "123", Token: tokenA})
	r := NewResolver(s, nil, nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Credentials{Token: tokenA})
	require.NoError(t, err)
	assert.Equal(t, StrategyExactToken, first.Strategy)
	before := getAccount(t, s, "a@x")

	second, err := r.Resolve(ctx, Credentials{Token: tokenA})
	require.NoError(t, err)
	assert.Equal(t, first.Account.Identity, second.Account.Identity)
	assert.False(t, second.Healed)
	assert.Equal(t, before, getAccount(t, s, "a@x"))
}

func TestResolve_EmbeddedIDWithoutLeadingZerosHeals(t *testing.T) {
	s := newStore(t, &models.Account{Identity: "a@x", AccountID: "0000000000123", Token: tokenA})
	r := NewResolver(s, nil, nil)
	ctx := context.Background()

	rotated := "AT0:2.0:3.0:86400:zzzzzzzzzz:123:MPDON"
	res, err := r.Resolve(ctx, Credentials{Token: rotated})
	require.NoError(t, err)
	assert.Equal(t, "a@x", res.Account.Identity)
	assert.Equal(t, StrategyEmbeddedAccountID, res.Strategy)
	assert.True(t, res.Healed)
	assert.Equal(t, rotated, getAccount(t, s, "a@x").Token)

	again, err := r.Resolve(ctx, Credentials{Token: rotated})
	require.NoError(t, err)
	assert.Equal(t, StrategyExactToken, again.Strategy)
	assert.False(t, again.Healed)
}

func TestResolve_HeuristicTiers(t *testing.T) {
	tests := []struct {
		name     string
		stored   string
		embedded string
	}{
		{name: "numeric equality beyond width", stored: "1234567890123", embedded: "0001234567890123"},
		{name: "containment", stored: "9991234567890", embedded: "1234567890"},
		{name: "suffix", stored: "1110000000123", embedded: "2220000000123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, &models.Account{Identity: "a@x", AccountID: tt.stored, Token: "old"})
			r := NewResolver(s, nil, nil)

			tok := "AT0:2.0:3.0:86400:qqqqqqqqqq:" + tt.embedded + ":MPDON"
			res, err := r.Resolve(context.Background(), Credentials{Token: tok})
			require.NoError(t, err)
			assert.Equal(t, StrategyAccountIDHeuristic, res.Strategy)
			assert.Equal(t, "a@x", res.Account.Identity)
			assert.True(t, res.Healed)
		})
	}
}

func TestResolve_HeuristicFailsClosed(t *testing.T) {
	s := newStore(t,
		&models.Account{Identity: "a@x", AccountID: "1110000000123"},
		&models.Account{Identity: "b@x", AccountID: "3330000000123"},
	)
	r := NewResolver(s, nil, nil)

	_, err := r.Resolve(context.Background(), Credentials{Token: "AT0:2.0:3.0:86400:qqqqqqqqqq:2220000000123:MPDON"})
	require.ErrorIs(t, err, common.ErrorAmbiguousCredential)
}

func TestResolve_TokenPrefix(t *testing.T) {
	s := newStore(t, &models.Account{Identity: "a@x", Token: tokenA})
	r := NewResolver(s, nil, nil)

	res, err := r.Resolve(context.Background(), Credentials{Token: "at0:2.0:3.0:86400:ABCDEFGHIJ"})
	require.NoError(t, err)
	assert.Equal(t, StrategyTokenPrefix, res.Strategy)
	assert.False(t, res.Healed)
	assert.Equal(t, tokenA, getAccount(t, s, "a@x").Token)
}

func TestResolve_TokenPrefixAmbiguous(t *testing.T) {
	s := newStore(t,
		&models.Account{Identity: "a@x", Token: "AT0:2.0:3.0:86400:abcdefghij:0000000000001:MPDON"},
		&models.Account{Identity: "b@x", Token: "AT0:2.0:3.0:86400:abcdefghik:0000000000002:MPDON"},
	)
	r := NewResolver(s, nil, nil)

	_, err := r.Resolve(context.Background(), Credentials{Token: "AT0:2.0:3.0:86400:abcdefgh"})
	require.ErrorIs(t, err, common.ErrorAmbiguousCredential)
}

func TestResolve_TokenPrefixTooShort(t *testing.T) {
	s := newStore(t, &models.Account{Identity: "a@x", Token: tokenA})
	r := NewResolver(s, nil, nil)

	_, err := r.Resolve(context.Background(), Credentials{Token: "AT0:2.0:3.0:86400:"})
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestResolve_TokenPrefixOneCharPastPreamble(t *testing.T) {
	s := newStore(t,
		&models.Account{Identity: "a@x", Token: tokenA},
		&models.Account{Identity: "b@x", Token: "AT0:2.0:3.0:86400:zzzzzzzzzz:0000000000456:MPDON"},
	)
	r := NewResolver(s, nil, nil)

	prefix := "AT0:2.0:3.0:86400:a"
	require.Len(t, prefix, MinPrefixLength)
	res, err := r.Resolve(context.Background(), Credentials{Token: prefix})
	require.NoError(t, err)
	assert.Equal(t, StrategyTokenPrefix, res.Strategy)
	assert.Equal(t, "a@x", res.Account.Identity)
}

func TestResolve_UnknownTokenIgnoresDeviceHints(t *testing.T) {
	s := newStore(t, &models.Account{Identity: "anonymous_1", DeviceID: "D1"})
	r := NewResolver(s, nil, nil)

	_, err := r.Resolve(context.Background(), Credentials{Token: "nope", DeviceID: "D1"})
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestResolve_DeviceFlows(t *testing.T) {
	s := newStore(t,
		&models.Account{Identity: "anonymous_dev", DeviceID: "D1"},
		&models.Account{Identity: "anonymous_as", AnonymousSessionID: "AS1"},
	)
	r := NewResolver(s, nil, nil)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Credentials{DeviceID: "D1", AnonymousSessionID: "AS1"})
	require.NoError(t, err)
	assert.Equal(t, StrategyDeviceID, res.Strategy)
	assert.Equal(t, "anonymous_dev", res.Account.Identity)

	res, err = r.Resolve(ctx, Credentials{DeviceID: "unknown", AnonymousSessionID: "AS1"})
	require.NoError(t, err)
	assert.Equal(t, StrategyAnonymousSession, res.Strategy)
	assert.Equal(t, "anonymous_as", res.Account.Identity)

	_, err = r.Resolve(ctx, Credentials{})
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestResolve_ClientAddressCacheHintIsRevalidated(t *testing.T) {
	s := newStore(t, &models.Account{Identity: "anonymous_1", DeviceID: "D1"})
	cache := devices.NewCache(0, nil)
	r := NewResolver(s, cache, nil)
	ctx := context.Background()

	cache.Put(models.DeviceFingerprint{Address: "10.0.0.1", DeviceID: "D1", Owner: "anonymous_1"})
	res, err := r.Resolve(ctx, Credentials{ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, StrategyClientAddress, res.Strategy)
	assert.Equal(t, "anonymous_1", res.Account.Identity)

	cache.Put(models.DeviceFingerprint{Address: "10.0.0.2", DeviceID: "gone"})
	_, err = r.Resolve(ctx, Credentials{ClientIP: "10.0.0.2"})
	require.ErrorIs(t, err, common.ErrorNotFound, "stale hints are not trusted")
}

func TestResolve_ClientAddressStoredIP(t *testing.T) {
	s := newStore(t,
		&models.Account{Identity: "anonymous_1", ClientIP: "1.1.1.1"},
		&models.Account{Identity: "anonymous_2", ClientIP: "2.2.2.2"},
		&models.Account{Identity: "anonymous_3", ClientIP: "2.2.2.2"},
		&models.Account{Identity: "user@x", ClientIP: "3.3.3.3"},
	)
	r := NewResolver(s, nil, nil)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Credentials{ClientIP: "1.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, "anonymous_1", res.Account.Identity)

	_, err = r.Resolve(ctx, Credentials{ClientIP: "2.2.2.2"})
	require.ErrorIs(t, err, common.ErrorNotFound, "shared address is not a unique hint")

	_, err = r.Resolve(ctx, Credentials{ClientIP: "3.3.3.3"})
	require.ErrorIs(t, err, common.ErrorNotFound, "registered accounts need a credential")
}

func TestResolve_StoreFailureSurfaces(t *testing.T) {
	s, err := storage.Open(context.Background(), ":memory:", nil, storage.WithRetryDelay(0))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	r := NewResolver(s, nil, nil)
	_, err = r.Resolve(context.Background(), Credentials{Token: tokenA})
	require.ErrorIs(t, err, common.ErrorStoreUnavailable)
}

type stubMatcher struct {
	name  string
	err   error
	calls int
}

func (m *stubMatcher) Name() string { return m.name }

func (m *stubMatcher) Match(context.Context, Credentials) (Match, error) {
	m.calls++
	if m.err != nil {
		return Match{}, m.err
	}
	return Match{Account: &models.Account{Identity: m.name}}, nil
}

func TestResolver_StopsAtFirstHardError(t *testing.T) {
	boom := errors.New("boom")
	first := &stubMatcher{name: "first", err: common.ErrorNotFound}
	second := &stubMatcher{name: "second", err: boom}
	third := &stubMatcher{name: "third"}

	r := NewResolverWith([]Matcher{first, second, third}, nil, nil)
	_, err := r.Resolve(context.Background(), Credentials{Token: "t"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Zero(t, third.calls)
}

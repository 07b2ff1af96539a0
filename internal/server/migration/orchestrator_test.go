package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/server/identity"
	"github.com/dmitrijs2005/nucleus/internal/server/ids"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokenT1   = "AT0:2.0:3.0:86400:abcdefghij:0000000000123:MPDON"
	anonID    = "anonymous_7f3c"
	targetID  = "user@example.com"
	accountID = "0000000000123"
)

func newStore(t *testing.T, opts ...storage.Option) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), ":memory:", nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *storage.Store, accounts ...*models.Account) {
	t.Helper()
	for _, a := range accounts {
		require.NoError(t, s.Write(context.Background(), func(ctx context.Context, r storage.Repos) error {
			return r.Accounts.Create(ctx, a)
		}))
	}
}

func lookup(t *testing.T, s *storage.Store, ident string) (*models.Account, error) {
	t.Helper()
	var acc *models.Account
	err := s.Read(context.Background(), func(ctx context.Context, r storage.Repos) error {
		var err error
		acc, err = r.Accounts.GetByIdentity(ctx, ident)
		return err
	})
	return acc, err
}

func count(t *testing.T, s *storage.Store) int {
	t.Helper()
	var n int
	require.NoError(t, s.Read(context.Background(), func(ctx context.Context, r storage.Repos) error {
		var err error
		n, err = r.Accounts.Count(ctx)
		return err
	}))
	return n
}

func anonymous() *models.Account {
	return &models.Account{
		Identity:    anonID,
		AccountID:   accountID,
		LegacyID:    "1",
		Token:       tokenT1,
		DeviceID:    "D1",
		DisplayName: "guest",
	}
}

func newOrchestrator(s *storage.Store, policy Policy) *Orchestrator {
	return NewOrchestrator(s, identity.NewResolver(s, nil, nil), policy, nil)
}

type stubResolver struct {
	account *models.Account
	err     error
}

func (r stubResolver) Resolve(context.Context, identity.Credentials) (identity.Result, error) {
	return identity.Result{Account: r.account, Strategy: "stub"}, r.err
}

func TestClaim_MovesAnonymousAccountToTarget(t *testing.T) {
	s := newStore(t)
	seed(t, s, anonymous())
	o := newOrchestrator(s, PolicyReplace)
	ctx := context.Background()

	acc, err := o.Claim(ctx, ClaimRequest{Token: tokenT1, Identity: targetID, DisplayName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, targetID, acc.Identity)
	assert.Equal(t, "Ada", acc.DisplayName)

	res, err := identity.NewResolver(s, nil, nil).Resolve(ctx, identity.Credentials{Token: tokenT1})
	require.NoError(t, err)
	assert.Equal(t, targetID, res.Account.Identity)
	assert.Equal(t, "D1", res.Account.DeviceID)
	assert.Equal(t, accountID, res.Account.AccountID)
	assert.Equal(t, "1", res.Account.LegacyID)

	_, err = lookup(t, s, anonID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.EqualValues(t, 1, count(t, s))
}

func TestClaim_FreshAllocatorContinuesAfterHighestID(t *testing.T) {
	s := newStore(t)
	old := anonymous()
	old.LegacyID = "123"
	seed(t, s, old)
	// more rows above the claimed id than the allocator's collision budget
	for n := 124; n <= 124+ids.MaxAttempts; n++ {
		seed(t, s, &models.Account{
			Identity:  fmt.Sprintf("user%d@example.com", n),
			AccountID: fmt.Sprintf("%013d", n),
			LegacyID:  fmt.Sprint(n),
		})
	}

	_, err := newOrchestrator(s, PolicyReplace).Claim(context.Background(), ClaimRequest{Token: tokenT1, Identity: targetID})
	require.NoError(t, err)

	// a restarted process has no in-memory cursor
	a := ids.NewAllocator(s, nil)
	next := 125 + ids.MaxAttempts
	assert.Equal(t, fmt.Sprintf("%013d", next), a.NextAccountID(context.Background()))
	assert.Equal(t, fmt.Sprintf("%038d", next), a.NextLegacyID(context.Background()))
}

func TestClaim_KeepsDisplayNameWhenNoneGiven(t *testing.T) {
	s := newStore(t)
	seed(t, s, anonymous())

	acc, err := newOrchestrator(s, PolicyReplace).Claim(context.Background(), ClaimRequest{Token: tokenT1, Identity: targetID})
	require.NoError(t, err)
	assert.Equal(t, "guest", acc.DisplayName)
}

func TestClaim_RemovesAnonymousDuplicates(t *testing.T) {
	s := newStore(t)
	seed(t, s,
		anonymous(),
		&models.Account{Identity: "anonymous_dup", AccountID: accountID},
		&models.Account{Identity: "anonymous_other", AccountID: "0000000000999"},
	)

	_, err := newOrchestrator(s, PolicyReplace).Claim(context.Background(), ClaimRequest{Token: tokenT1, Identity: targetID})
	require.NoError(t, err)

	_, err = lookup(t, s, "anonymous_dup")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	_, err = lookup(t, s, "anonymous_other")
	assert.NoError(t, err)
	assert.EqualValues(t, 2, count(t, s))
}

func TestClaim_ReplacePolicyDropsExistingTarget(t *testing.T) {
	s := newStore(t)
	seed(t, s, anonymous(), &models.Account{Identity: targetID, AccountID: "0000000000777", Token: "T-old"})

	acc, err := newOrchestrator(s, PolicyReplace).Claim(context.Background(), ClaimRequest{Token: tokenT1, Identity: targetID})
	require.NoError(t, err)
	assert.Equal(t, accountID, acc.AccountID)

	stored, err := lookup(t, s, targetID)
	require.NoError(t, err)
	assert.Equal(t, accountID, stored.AccountID)
	assert.Equal(t, tokenT1, stored.Token)
	assert.EqualValues(t, 1, count(t, s))
}

func TestClaim_RejectPolicyLeavesStoreUntouched(t *testing.T) {
	s := newStore(t)
	seed(t, s, anonymous(), &models.Account{Identity: targetID, AccountID: "0000000000777"})

	_, err := newOrchestrator(s, PolicyReject).Claim(context.Background(), ClaimRequest{Token: tokenT1, Identity: targetID})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrorIdentityTaken)
	assert.ErrorIs(t, err, common.ErrorMigrationFailed)

	src, err := lookup(t, s, anonID)
	require.NoError(t, err)
	assert.Equal(t, tokenT1, src.Token)
	assert.EqualValues(t, 2, count(t, s))
}

func TestClaim_FailedCommitRollsBackEverything(t *testing.T) {
	s := newStore(t, storage.WithCommitFunc(func(tx *sql.Tx) error {
		_ = tx.Rollback()
		return errors.New("disk full")
	}))
	seed(t, s,
		anonymous(),
		&models.Account{Identity: "anonymous_dup", AccountID: accountID},
		&models.Account{Identity: targetID, AccountID: "0000000000777"},
	)

	_, err := newOrchestrator(s, PolicyReplace).Claim(context.Background(), ClaimRequest{Token: tokenT1, Identity: targetID})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrorMigrationFailed)
	assert.Contains(t, err.Error(), "disk full")

	src, err := lookup(t, s, anonID)
	require.NoError(t, err)
	assert.Equal(t, tokenT1, src.Token)
	assert.Equal(t, "1", src.LegacyID)

	existing, err := lookup(t, s, targetID)
	require.NoError(t, err)
	assert.Equal(t, "0000000000777", existing.AccountID)
	assert.EqualValues(t, 3, count(t, s))
}

func TestClaim_RegisteredSourceIsInvalidTransition(t *testing.T) {
	s := newStore(t)
	seed(t, s, &models.Account{Identity: "a@x", AccountID: accountID, Token: tokenT1})

	_, err := newOrchestrator(s, PolicyReplace).Claim(context.Background(), ClaimRequest{Token: tokenT1, Identity: "b@x"})
	assert.ErrorIs(t, err, common.ErrorInvalidTransition)
}

func TestClaim_AlreadyAtTargetIsNoop(t *testing.T) {
	s := newStore(t)
	seed(t, s, &models.Account{Identity: "a@x", AccountID: accountID, Token: tokenT1})

	acc, err := newOrchestrator(s, PolicyReject).Claim(context.Background(), ClaimRequest{Token: tokenT1, Identity: "A@X"})
	require.NoError(t, err)
	assert.Equal(t, "a@x", acc.Identity)
	assert.EqualValues(t, 1, count(t, s))
}

func TestClaim_UnknownTokenFailsAuthentication(t *testing.T) {
	s := newStore(t)
	seed(t, s, anonymous())
	o := newOrchestrator(s, PolicyReplace)

	_, err := o.Claim(context.Background(), ClaimRequest{Token: "nope", Identity: targetID})
	assert.ErrorIs(t, err, common.ErrorAuthenticationFailed)

	_, err = o.Claim(context.Background(), ClaimRequest{Identity: targetID})
	assert.ErrorIs(t, err, common.ErrorAuthenticationFailed)
}

func TestClaim_RejectsInvalidTarget(t *testing.T) {
	o := newOrchestrator(newStore(t), PolicyReplace)

	for _, target := range []string{"", "  ", "Anonymous_x"} {
		_, err := o.Claim(context.Background(), ClaimRequest{Token: tokenT1, Identity: target})
		assert.ErrorIs(t, err, common.ErrorValidation, target)
	}
}

func TestClaim_ResolverStoreErrorPassesThrough(t *testing.T) {
	s := newStore(t)
	o := NewOrchestrator(s, stubResolver{err: common.ErrorStoreUnavailable}, PolicyReplace, nil)

	_, err := o.Claim(context.Background(), ClaimRequest{Token: tokenT1, Identity: targetID})
	assert.ErrorIs(t, err, common.ErrorStoreUnavailable)
	assert.NotErrorIs(t, err, common.ErrorAuthenticationFailed)
}

func TestClaim_CompletesAfterCallerCancels(t *testing.T) {
	s := newStore(t)
	src := anonymous()
	seed(t, s, src)
	o := NewOrchestrator(s, stubResolver{account: src}, PolicyReplace, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	acc, err := o.Claim(ctx, ClaimRequest{Token: tokenT1, Identity: targetID})
	require.NoError(t, err)
	assert.Equal(t, targetID, acc.Identity)
	_, err = lookup(t, s, anonID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestClaim_ConcurrentTransactionFails(t *testing.T) {
	s := newStore(t)
	src := anonymous()
	seed(t, s, src)
	o := NewOrchestrator(s, stubResolver{account: src}, PolicyReplace, nil)

	var claimErr error
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, r storage.Repos) error {
		_, claimErr = o.Claim(ctx, ClaimRequest{Token: tokenT1, Identity: targetID})
		return nil
	}))
	assert.ErrorIs(t, claimErr, common.ErrorMigrationFailed)
	assert.ErrorIs(t, claimErr, common.ErrorTransactionActive)
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, PolicyReject, ParsePolicy(" Reject "))
	assert.Equal(t, PolicyReplace, ParsePolicy("replace"))
	assert.Equal(t, PolicyReplace, ParsePolicy(""))
}

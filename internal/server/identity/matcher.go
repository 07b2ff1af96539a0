package identity

import (
	"context"
	"strings"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/auth"
	"github.com/dmitrijs2005/nucleus/internal/server/devices"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/dmitrijs2005/nucleus/internal/shared"
)

// Strategy names, in resolution order.
const (
	StrategyExactToken         = "exact-token"
	StrategyEmbeddedAccountID  = "embedded-account-id"
	StrategyAccountIDHeuristic = "account-id-heuristic"
	StrategyTokenPrefix        = "token-prefix"
	StrategyDeviceID           = "device-id"
	StrategyAnonymousSession   = "anonymous-session"
	StrategyClientAddress      = "client-address"
)

// MinPrefixLength keeps the fixed token preamble alone from matching: at
// least one character past it must be presented.
var MinPrefixLength = auth.PreambleLength + 1

const (
	// MinContainmentLength is the shortest id allowed to match by substring.
	MinContainmentLength = 10
	// SuffixLength is how many trailing digits the last-resort tier compares.
	SuffixLength = 10
)

// Credentials is what a request presented, already normalised by the
// transport.
type Credentials struct {
	Token              string
	DeviceID           string
	AnonymousSessionID string
	ClientIP           string
}

// Match is a successful strategy outcome. Healed is set when the stored
// token was replaced by the presented one.
type Match struct {
	Account *models.Account
	Healed  bool
}

// Matcher is one named resolution strategy. It returns
// common.ErrorNotFound to let the next strategy run; any other error stops
// resolution.
type Matcher interface {
	Name() string
	Match(ctx context.Context, creds Credentials) (Match, error)
}

func read[T any](ctx context.Context, s *storage.Store, fn func(ctx context.Context, r storage.Repos) (T, error)) (T, error) {
	var out T
	err := s.Read(ctx, func(ctx context.Context, r storage.Repos) error {
		var err error
		out, err = fn(ctx, r)
		return err
	})
	return out, err
}

// heal rebinds the presented token to acc. A failed heal is logged and the
// match still stands.
func heal(ctx context.Context, s *storage.Store, logger logging.Logger, strategy string, acc *models.Account, token string) Match {
	if acc.Token == token {
		return Match{Account: acc}
	}
	err := s.Write(ctx, func(ctx context.Context, r storage.Repos) error {
		return r.Accounts.UpdateToken(ctx, acc.Identity, token)
	})
	if err != nil {
		logger.Warn(ctx, "token heal failed", "strategy", strategy, "account_id", acc.AccountID, "error", err)
		return Match{Account: acc}
	}
	logger.Info(ctx, "stale token healed", "strategy", strategy, "account_id", acc.AccountID)
	acc.Token = token
	return Match{Account: acc, Healed: true}
}

type exactToken struct {
	store *storage.Store
}

func NewExactTokenMatcher(store *storage.Store) Matcher {
	return exactToken{store: store}
}

func (exactToken) Name() string { return StrategyExactToken }

func (m exactToken) Match(ctx context.Context, creds Credentials) (Match, error) {
	acc, err := read(ctx, m.store, func(ctx context.Context, r storage.Repos) (*models.Account, error) {
		return r.Accounts.GetByToken(ctx, creds.Token)
	})
	if err != nil {
		return Match{}, err
	}
	return Match{Account: acc}, nil
}

type embeddedAccountID struct {
	store  *storage.Store
	logger logging.Logger
}

// NewEmbeddedAccountIDMatcher looks the account up by the id carried inside
// the token and heals the stored token.
func NewEmbeddedAccountIDMatcher(store *storage.Store, logger logging.Logger) Matcher {
	return embeddedAccountID{store: store, logger: logger}
}

func (embeddedAccountID) Name() string { return StrategyEmbeddedAccountID }

func (m embeddedAccountID) Match(ctx context.Context, creds Credentials) (Match, error) {
	id, ok := auth.ExtractAccountID(creds.Token)
	if !ok {
		return Match{}, common.ErrorNotFound
	}
	acc, err := read(ctx, m.store, func(ctx context.Context, r storage.Repos) (*models.Account, error) {
		return r.Accounts.GetByAccountID(ctx, id)
	})
	if err != nil {
		return Match{}, err
	}
	return heal(ctx, m.store, m.logger, StrategyEmbeddedAccountID, acc, creds.Token), nil
}

type accountIDHeuristic struct {
	store  *storage.Store
	logger logging.Logger
}

// NewAccountIDHeuristicMatcher compares the embedded id with every stored id
// in three tiers: numeric equality, containment, then trailing digits. A
// tier with more than one candidate fails closed.
func NewAccountIDHeuristicMatcher(store *storage.Store, logger logging.Logger) Matcher {
	return accountIDHeuristic{store: store, logger: logger}
}

func (accountIDHeuristic) Name() string { return StrategyAccountIDHeuristic }

func (m accountIDHeuristic) Match(ctx context.Context, creds Credentials) (Match, error) {
	id, ok := auth.ExtractAccountID(creds.Token)
	if !ok {
		return Match{}, common.ErrorNotFound
	}
	refs, err := read(ctx, m.store, func(ctx context.Context, r storage.Repos) ([]models.AccountRef, error) {
		return r.Accounts.ListAccountIDs(ctx)
	})
	if err != nil {
		return Match{}, err
	}

	for _, tier := range []func(presented, stored string) bool{
		numericEqual,
		contains,
		suffixEqual,
	} {
		identity, err := unique(refs, func(ref models.AccountRef) bool { return tier(id, ref.AccountID) })
		if err != nil {
			return Match{}, err
		}
		if identity == "" {
			continue
		}
		acc, err := read(ctx, m.store, func(ctx context.Context, r storage.Repos) (*models.Account, error) {
			return r.Accounts.GetByIdentity(ctx, identity)
		})
		if err != nil {
			return Match{}, err
		}
		return heal(ctx, m.store, m.logger, StrategyAccountIDHeuristic, acc, creds.Token), nil
	}
	return Match{}, common.ErrorNotFound
}

// unique returns the single identity whose ref satisfies pred, "" when none
// does, and ErrorAmbiguousCredential when several do.
func unique(refs []models.AccountRef, pred func(models.AccountRef) bool) (string, error) {
	var found string
	for _, ref := range refs {
		if !pred(ref) {
			continue
		}
		if found != "" && !strings.EqualFold(found, ref.Identity) {
			return "", common.ErrorAmbiguousCredential
		}
		found = ref.Identity
	}
	return found, nil
}

func numericEqual(a, b string) bool {
	return shared.IsDigits(a) && shared.IsDigits(b) && shared.TrimZeros(a) == shared.TrimZeros(b)
}

func contains(a, b string) bool {
	a, b = shared.TrimZeros(a), shared.TrimZeros(b)
	if len(a) > len(b) {
		a, b = b, a
	}
	return len(a) >= MinContainmentLength && strings.Contains(b, a)
}

func suffixEqual(a, b string) bool {
	a = shared.PadDigits(a, common.AccountIDWidth)
	b = shared.PadDigits(b, common.AccountIDWidth)
	if len(a) < SuffixLength || len(b) < SuffixLength {
		return false
	}
	return a[len(a)-SuffixLength:] == b[len(b)-SuffixLength:]
}

type tokenPrefix struct {
	store *storage.Store
}

// NewTokenPrefixMatcher accepts the one account whose stored token starts
// with the presented value, compared case-insensitively.
func NewTokenPrefixMatcher(store *storage.Store) Matcher {
	return tokenPrefix{store: store}
}

func (tokenPrefix) Name() string { return StrategyTokenPrefix }

func (m tokenPrefix) Match(ctx context.Context, creds Credentials) (Match, error) {
	if len(creds.Token) < MinPrefixLength {
		return Match{}, common.ErrorNotFound
	}
	refs, err := read(ctx, m.store, func(ctx context.Context, r storage.Repos) ([]models.AccountRef, error) {
		return r.Accounts.ListTokens(ctx)
	})
	if err != nil {
		return Match{}, err
	}

	prefix := strings.ToLower(creds.Token)
	identity, err := unique(refs, func(ref models.AccountRef) bool {
		return strings.HasPrefix(strings.ToLower(ref.Token), prefix)
	})
	if err != nil {
		return Match{}, err
	}
	if identity == "" {
		return Match{}, common.ErrorNotFound
	}

	acc, err := read(ctx, m.store, func(ctx context.Context, r storage.Repos) (*models.Account, error) {
		return r.Accounts.GetByIdentity(ctx, identity)
	})
	if err != nil {
		return Match{}, err
	}
	return Match{Account: acc}, nil
}

type deviceID struct {
	store *storage.Store
}

func NewDeviceIDMatcher(store *storage.Store) Matcher {
	return deviceID{store: store}
}

func (deviceID) Name() string { return StrategyDeviceID }

func (m deviceID) Match(ctx context.Context, creds Credentials) (Match, error) {
	acc, err := read(ctx, m.store, func(ctx context.Context, r storage.Repos) (*models.Account, error) {
		return r.Accounts.GetByDeviceID(ctx, creds.DeviceID)
	})
	if err != nil {
		return Match{}, err
	}
	return Match{Account: acc}, nil
}

type anonymousSession struct {
	store *storage.Store
}

func NewAnonymousSessionMatcher(store *storage.Store) Matcher {
	return anonymousSession{store: store}
}

func (anonymousSession) Name() string { return StrategyAnonymousSession }

func (m anonymousSession) Match(ctx context.Context, creds Credentials) (Match, error) {
	acc, err := read(ctx, m.store, func(ctx context.Context, r storage.Repos) (*models.Account, error) {
		return r.Accounts.GetByAnonymousSessionID(ctx, creds.AnonymousSessionID)
	})
	if err != nil {
		return Match{}, err
	}
	return Match{Account: acc}, nil
}

type clientAddress struct {
	store *storage.Store
	cache *devices.Cache
}

// NewClientAddressMatcher recognises a returning anonymous client by its
// address: first through the cached device id, then through a unique stored
// client_ip. Registered accounts are never matched by address alone.
func NewClientAddressMatcher(store *storage.Store, cache *devices.Cache) Matcher {
	return clientAddress{store: store, cache: cache}
}

func (clientAddress) Name() string { return StrategyClientAddress }

func (m clientAddress) Match(ctx context.Context, creds Credentials) (Match, error) {
	if creds.ClientIP == "" {
		return Match{}, common.ErrorNotFound
	}

	if m.cache != nil {
		if fp, ok := m.cache.Get(creds.ClientIP); ok && fp.DeviceID != "" {
			acc, err := read(ctx, m.store, func(ctx context.Context, r storage.Repos) (*models.Account, error) {
				return r.Accounts.GetByDeviceID(ctx, fp.DeviceID)
			})
			switch {
			case err == nil && acc.IsAnonymous() && (fp.Owner == "" || strings.EqualFold(fp.Owner, acc.Identity)):
				return Match{Account: acc}, nil
			case err != nil && !isNotFound(err):
				return Match{}, err
			}
		}
	}

	list, err := read(ctx, m.store, func(ctx context.Context, r storage.Repos) ([]*models.Account, error) {
		return r.Accounts.ListByClientIP(ctx, creds.ClientIP)
	})
	if err != nil {
		return Match{}, err
	}

	var found *models.Account
	for _, acc := range list {
		if !acc.IsAnonymous() {
			continue
		}
		if found != nil {
			return Match{}, common.ErrorNotFound
		}
		found = acc
	}
	if found == nil {
		return Match{}, common.ErrorNotFound
	}
	return Match{Account: found}, nil
}

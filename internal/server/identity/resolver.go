// Package identity resolves which account a request belongs to.
//
// Resolution walks an ordered list of named strategies and stops at the
// first hit. Token strategies run when a token was presented; the device
// strategies run only when none was.
package identity

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/devices"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Result is a resolved account and the strategy that found it.
type Result struct {
	Account  *models.Account
	Strategy string
	Healed   bool
}

type Resolver struct {
	tokenMatchers  []Matcher
	deviceMatchers []Matcher
	logger         logging.Logger
}

// NewResolver wires the default strategy order against store and cache.
func NewResolver(store *storage.Store, cache *devices.Cache, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Nop{}
	}
	logger = logger.With("module", "identity")
	return NewResolverWith(
		[]Matcher{
			NewExactTokenMatcher(store),
			NewEmbeddedAccountIDMatcher(store, logger),
			NewAccountIDHeuristicMatcher(store, logger),
			NewTokenPrefixMatcher(store),
		},
		[]Matcher{
			NewDeviceIDMatcher(store),
			NewAnonymousSessionMatcher(store),
			NewClientAddressMatcher(store, cache),
		},
		logger,
	)
}

// NewResolverWith builds a resolver from explicit strategy lists.
func NewResolverWith(tokenMatchers, deviceMatchers []Matcher, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Resolver{tokenMatchers: tokenMatchers, deviceMatchers: deviceMatchers, logger: logger}
}

// Strategies lists strategy names in the order they are tried.
func (r *Resolver) Strategies() []string {
	names := make([]string, 0, len(r.tokenMatchers)+len(r.deviceMatchers))
	for _, m := range r.tokenMatchers {
		names = append(names, m.Name())
	}
	for _, m := range r.deviceMatchers {
		names = append(names, m.Name())
	}
	return names
}

// Resolve returns the account creds belong to. It fails with
// common.ErrorNotFound when no strategy matches and with
// common.ErrorAmbiguousCredential when a fuzzy strategy refuses to pick.
// Store failures have already been retried by the store.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (Result, error) {
	ctx, span := otel.Tracer("nucleus/identity").Start(ctx, "identity.resolve")
	defer span.End()

	matchers := r.deviceMatchers
	if creds.Token != "" {
		matchers = r.tokenMatchers
	}

	for _, m := range matchers {
		match, err := m.Match(ctx, creds)
		if err == nil {
			span.SetAttributes(attribute.String("strategy", m.Name()), attribute.Bool("healed", match.Healed))
			r.logger.Debug(ctx, "account resolved", "strategy", m.Name(), "account_id", match.Account.AccountID)
			return Result{Account: match.Account, Strategy: m.Name(), Healed: match.Healed}, nil
		}
		if isNotFound(err) {
			continue
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, common.ErrorAmbiguousCredential) {
			r.logger.Warn(ctx, "ambiguous credential, refusing to guess", "strategy", m.Name())
		}
		return Result{}, err
	}

	return Result{}, common.ErrorNotFound
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrorNotFound)
}

// Package migration turns an anonymous account into a registered one.
//
// The account moves through three states: anonymous (placeholder identity
// bound to a device), claiming (a caller holding the anonymous token names
// a target identity) and registered. The move from claiming to registered
// happens in one store transaction; callers never observe a half-migrated
// account.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/identity"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Policy decides what happens to an account already holding the target
// identity.
type Policy string

const (
	// PolicyReplace deletes the existing target account; the presenting
	// token's history wins.
	PolicyReplace Policy = "replace"
	// PolicyReject refuses the claim with common.ErrorIdentityTaken.
	PolicyReject Policy = "reject"
)

// ParsePolicy maps a config value to a Policy, defaulting to replace.
func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), string(PolicyReject)) {
		return PolicyReject
	}
	return PolicyReplace
}

// Resolver is the part of identity.Resolver the orchestrator needs.
type Resolver interface {
	Resolve(ctx context.Context, creds identity.Credentials) (identity.Result, error)
}

type ClaimRequest struct {
	Token       string
	Identity    string
	DisplayName string
}

type Orchestrator struct {
	store    *storage.Store
	resolver Resolver
	policy   Policy
	logger   logging.Logger
}

func NewOrchestrator(store *storage.Store, resolver Resolver, policy Policy, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Orchestrator{
		store:    store,
		resolver: resolver,
		policy:   policy,
		logger:   logger.With("module", "migration"),
	}
}

// Claim binds the account behind req.Token to req.Identity.
//
// An unresolvable token fails with common.ErrorAuthenticationFailed. A token
// already bound to req.Identity returns that account untouched. Only
// anonymous accounts can be claimed. Once the transaction starts it runs to
// commit or rollback even if ctx is cancelled; any failure inside it is
// reported as common.ErrorMigrationFailed wrapping the cause.
func (o *Orchestrator) Claim(ctx context.Context, req ClaimRequest) (*models.Account, error) {
	target := strings.TrimSpace(req.Identity)
	if target == "" || models.IsAnonymousIdentity(target) {
		return nil, fmt.Errorf("%w: invalid target identity", common.ErrorValidation)
	}
	if req.Token == "" {
		return nil, common.ErrorAuthenticationFailed
	}

	res, err := o.resolver.Resolve(ctx, identity.Credentials{Token: req.Token})
	switch {
	case errors.Is(err, common.ErrorNotFound), errors.Is(err, common.ErrorAmbiguousCredential):
		return nil, fmt.Errorf("%w: %w", common.ErrorAuthenticationFailed, err)
	case err != nil:
		return nil, err
	}

	source := res.Account
	if strings.EqualFold(source.Identity, target) {
		return source, nil
	}
	if !source.IsAnonymous() {
		return nil, fmt.Errorf("%w: %s is already registered", common.ErrorInvalidTransition, source.AccountID)
	}

	txCtx, span := otel.Tracer("nucleus/migration").Start(context.WithoutCancel(ctx), "migration.claim")
	defer span.End()
	span.SetAttributes(attribute.String("strategy", res.Strategy), attribute.String("policy", string(o.policy)))

	var (
		migrated *models.Account
		removed  int64
		replaced bool
	)
	err = o.store.WithTx(txCtx, func(ctx context.Context, r storage.Repos) error {
		var err error
		migrated, removed, replaced, err = o.migrate(ctx, r, source.Identity, target, req.DisplayName)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error(ctx, "migration rolled back", "account_id", source.AccountID, "error", err)
		return nil, fmt.Errorf("%w: %w", common.ErrorMigrationFailed, err)
	}

	if replaced {
		o.logger.Warn(ctx, "existing account at target identity replaced", "account_id", migrated.AccountID)
	}
	o.logger.Info(ctx, "anonymous account migrated",
		"account_id", migrated.AccountID, "duplicates_removed", removed)
	return migrated, nil
}

func (o *Orchestrator) migrate(ctx context.Context, r storage.Repos, sourceIdentity, target, displayName string) (*models.Account, int64, bool, error) {
	// re-read inside the transaction so nothing changed since resolution
	src, err := r.Accounts.GetByIdentity(ctx, sourceIdentity)
	if err != nil {
		return nil, 0, false, err
	}

	replaced := false
	existing, err := r.Accounts.GetByIdentity(ctx, target)
	switch {
	case err == nil:
		if o.policy == PolicyReject {
			return nil, 0, false, common.ErrorIdentityTaken
		}
		if err := r.Accounts.Delete(ctx, existing.Identity); err != nil {
			return nil, 0, false, err
		}
		replaced = true
	case !errors.Is(err, common.ErrorNotFound):
		return nil, 0, false, err
	}

	removed, err := r.Accounts.DeleteAnonymousDuplicates(ctx, src.Identity, src.Token, src.AccountID)
	if err != nil {
		return nil, 0, false, err
	}

	if err := r.Accounts.ClearToken(ctx, src.Identity); err != nil {
		return nil, 0, false, err
	}

	migrated := src.Clone()
	migrated.Identity = target
	if displayName != "" {
		migrated.DisplayName = displayName
	}
	if err := r.Accounts.Create(ctx, migrated); err != nil {
		return nil, 0, false, err
	}

	if err := r.Accounts.Delete(ctx, src.Identity); err != nil {
		return nil, 0, false, err
	}
	return migrated, removed, replaced, nil
}

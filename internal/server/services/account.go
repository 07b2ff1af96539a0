// Package services contains server-side business logic. AccountService is
// the entry point for every client-facing identity operation: connect,
// token exchange and rotation, registration, verification gated claims,
// device id lookups and world state.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/auth"
	"github.com/dmitrijs2005/nucleus/internal/server/devices"
	"github.com/dmitrijs2005/nucleus/internal/server/identity"
	"github.com/dmitrijs2005/nucleus/internal/server/ids"
	"github.com/dmitrijs2005/nucleus/internal/server/migration"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/server/requestctx"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/dmitrijs2005/nucleus/internal/server/verification"
	"github.com/dmitrijs2005/nucleus/internal/server/worlds"
	"github.com/dmitrijs2005/nucleus/internal/shared"
	"github.com/google/uuid"
)

// Session is what a successful authentication hands back to the client.
type Session struct {
	Account     *models.Account
	AccessToken string
	AccessCode  string
	IDToken     string
	ExpiresIn   int
	Strategy    string
	Created     bool
}

// ConnectRequest carries the credential and device signals of a connect
// call. Every field is optional.
type ConnectRequest struct {
	Token              string
	DeviceID           string
	PlatformVendorID   string
	AdvertisingID      string
	PlatformID         string
	CombinedID         string
	Manufacturer       string
	Model              string
	AnonymousSessionID string
}

func (r ConnectRequest) deviceUpdate(clientIP string) models.DeviceUpdate {
	return models.DeviceUpdate{
		DeviceID:           r.DeviceID,
		PlatformVendorID:   r.PlatformVendorID,
		AdvertisingID:      r.AdvertisingID,
		PlatformID:         r.PlatformID,
		ClientIP:           clientIP,
		CombinedID:         r.CombinedID,
		Manufacturer:       r.Manufacturer,
		Model:              r.Model,
		AnonymousSessionID: r.AnonymousSessionID,
	}
}

type RegisterRequest struct {
	Identity    string
	DisplayName string
	Credential  string
	Device      ConnectRequest
}

type ClaimRequest struct {
	Token       string
	Identity    string
	Code        string
	DisplayName string
}

// TokenInfo describes the account behind a token.
type TokenInfo struct {
	AccountID   string
	LegacyID    string
	Identity    string
	DisplayName string
	DeviceID    string
	Anonymous   bool
	ExpiresIn   int
	Strategy    string
}

// Deps are the collaborators of AccountService. Verification and Worlds
// may be nil; claims then skip the code check and world calls fail.
type Deps struct {
	Store        *storage.Store
	Resolver     *identity.Resolver
	Allocator    *ids.Allocator
	Devices      *devices.Registry
	Migration    *migration.Orchestrator
	Verification *verification.Service
	Worlds       worlds.Store
	Issuer       string
	Logger       logging.Logger
}

type AccountService struct {
	store        *storage.Store
	resolver     *identity.Resolver
	allocator    *ids.Allocator
	devices      *devices.Registry
	migration    *migration.Orchestrator
	verification *verification.Service
	worlds       worlds.Store
	issuer       string
	logger       logging.Logger
	now          func() time.Time
}

func NewAccountService(d Deps) *AccountService {
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop{}
	}
	return &AccountService{
		store:        d.Store,
		resolver:     d.Resolver,
		allocator:    d.Allocator,
		devices:      d.Devices,
		migration:    d.Migration,
		verification: d.Verification,
		worlds:       d.Worlds,
		issuer:       d.Issuer,
		logger:       logger.With("module", "accounts"),
		now:          time.Now,
	}
}

// Connect authenticates a client. A presented token must resolve; without
// one the device signals are tried and, failing those, a new anonymous
// account is created. Every successful connect refreshes the stored
// device fields, issues a fresh access code and updates the device cache.
func (s *AccountService) Connect(ctx context.Context, req *requestctx.Request, in ConnectRequest) (*Session, error) {
	log := req.Logger(s.logger)

	res, err := s.resolver.Resolve(ctx, identity.Credentials{
		Token:              in.Token,
		DeviceID:           in.DeviceID,
		AnonymousSessionID: in.AnonymousSessionID,
		ClientIP:           req.ClientIP,
	})

	created := false
	switch {
	case err == nil:
	case in.Token != "" && isUnresolved(err):
		log.Info(ctx, "presented token did not resolve")
		return nil, fmt.Errorf("%w: %w", common.ErrorAuthenticationFailed, err)
	case errors.Is(err, common.ErrorNotFound):
		acc, err := s.createAnonymous(ctx, req, in)
		if err != nil {
			return nil, err
		}
		res = identity.Result{Account: acc, Strategy: "created"}
		created = true
	default:
		return nil, err
	}

	acc := res.Account
	if !created {
		update := in.deviceUpdate(req.ClientIP)
		if err := s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
			return r.Accounts.UpdateDevice(ctx, acc.Identity, update)
		}); err != nil {
			return nil, err
		}
		update.Apply(acc)

		code, err := auth.Issue(auth.AccessCode, acc.AccountID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
		}
		if err := s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
			return r.Accounts.UpdateAccessCode(ctx, acc.Identity, code)
		}); err != nil {
			return nil, err
		}
		acc.AccessCode = code
	}

	s.remember(req, acc)
	req.Bind(acc, res.Strategy)
	log.Debug(ctx, "connected", "account_id", acc.AccountID, "strategy", res.Strategy, "created", created)

	return s.session(acc, res.Strategy, created)
}

func (s *AccountService) createAnonymous(ctx context.Context, req *requestctx.Request, in ConnectRequest) (*models.Account, error) {
	acc, err := s.newAccount(ctx, req, common.AnonymousPrefix+uuid.NewString(), in)
	if err != nil {
		return nil, err
	}
	if acc.AnonymousUID == "" {
		acc.AnonymousUID = s.devices.GetOrAllocateAnonUID(ctx, req.ClientIP)
	}

	if err := s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
		return r.Accounts.Create(ctx, acc)
	}); err != nil {
		return nil, err
	}
	req.Logger(s.logger).Info(ctx, "anonymous account created", "account_id", acc.AccountID)
	return acc, nil
}

// newAccount builds an unsaved account for identity with freshly minted
// ids and tokens.
func (s *AccountService) newAccount(ctx context.Context, req *requestctx.Request, ident string, in ConnectRequest) (*models.Account, error) {
	accountID := s.allocator.NextAccountID(ctx)

	token, err := auth.Issue(auth.AccessToken, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	code, err := auth.Issue(auth.AccessCode, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	longLived, err := shared.RandomAlnum(40)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}

	acc := &models.Account{
		Identity:       ident,
		AccountID:      accountID,
		LegacyID:       s.allocator.NextLegacyID(ctx),
		Token:          token,
		AccessCode:     code,
		LongLivedToken: longLived,
		WorldPath:      worlds.PathFor(accountID),
		SessionKey:     uuid.NewString(),
	}
	in.deviceUpdate(req.ClientIP).Apply(acc)
	if acc.DeviceID == "" {
		acc.DeviceID = s.devices.GetOrAllocateDeviceID(ctx, req.ClientIP, ident)
	}
	return acc, nil
}

// remember refreshes the device cache entry for the request's address.
func (s *AccountService) remember(req *requestctx.Request, acc *models.Account) {
	if req.ClientIP == "" {
		return
	}
	s.devices.Cache().Put(models.DeviceFingerprint{
		Address:          req.ClientIP,
		DeviceID:         acc.DeviceID,
		PlatformVendorID: acc.PlatformVendorID,
		AdvertisingID:    acc.AdvertisingID,
		PlatformID:       acc.PlatformID,
		AnonymousUID:     acc.AnonymousUID,
		Owner:            acc.Identity,
	})
}

func (s *AccountService) session(acc *models.Account, strategy string, created bool) (*Session, error) {
	idToken, err := auth.IssueIDToken(s.issuer, acc, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	return &Session{
		Account:     acc,
		AccessToken: acc.Token,
		AccessCode:  acc.AccessCode,
		IDToken:     idToken,
		ExpiresIn:   common.TokenValiditySeconds,
		Strategy:    strategy,
		Created:     created,
	}, nil
}

// authenticate resolves a bearer token. Anything short of a unique match is
// common.ErrorAuthenticationFailed.
func (s *AccountService) authenticate(ctx context.Context, req *requestctx.Request, token string) (identity.Result, error) {
	if token == "" {
		return identity.Result{}, common.ErrorAuthenticationFailed
	}
	res, err := s.resolver.Resolve(ctx, identity.Credentials{Token: token, ClientIP: req.ClientIP})
	if err != nil {
		if isUnresolved(err) {
			return identity.Result{}, fmt.Errorf("%w: %w", common.ErrorAuthenticationFailed, err)
		}
		return identity.Result{}, err
	}
	req.Bind(res.Account, res.Strategy)
	return res, nil
}

// ExchangeAccessCode trades a one-time access code for a session. The code
// is consumed.
func (s *AccountService) ExchangeAccessCode(ctx context.Context, req *requestctx.Request, code string) (*Session, error) {
	if code == "" {
		return nil, common.ErrorAuthenticationFailed
	}

	var acc *models.Account
	err := s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
		var err error
		if acc, err = r.Accounts.GetByAccessCode(ctx, code); err != nil {
			return err
		}
		return r.Accounts.UpdateAccessCode(ctx, acc.Identity, "")
	})
	switch {
	case errors.Is(err, common.ErrorNotFound):
		return nil, common.ErrorAuthenticationFailed
	case err != nil:
		return nil, err
	}
	acc.AccessCode = ""

	req.Bind(acc, "access-code")
	return s.session(acc, "access-code", false)
}

func (s *AccountService) TokenInfo(ctx context.Context, req *requestctx.Request, token string) (*TokenInfo, error) {
	res, err := s.authenticate(ctx, req, token)
	if err != nil {
		return nil, err
	}
	acc := res.Account
	return &TokenInfo{
		AccountID:   acc.AccountID,
		LegacyID:    acc.LegacyID,
		Identity:    acc.Identity,
		DisplayName: acc.DisplayName,
		DeviceID:    acc.DeviceID,
		Anonymous:   acc.IsAnonymous(),
		ExpiresIn:   common.TokenValiditySeconds,
		Strategy:    res.Strategy,
	}, nil
}

// RefreshToken rotates the bearer token to a new one in the current layout.
func (s *AccountService) RefreshToken(ctx context.Context, req *requestctx.Request, token string) (*Session, error) {
	res, err := s.authenticate(ctx, req, token)
	if err != nil {
		return nil, err
	}
	acc := res.Account

	next, err := auth.Issue(auth.AccessToken, acc.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	if err := s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
		return r.Accounts.UpdateToken(ctx, acc.Identity, next)
	}); err != nil {
		return nil, err
	}
	acc.Token = next

	req.Logger(s.logger).Debug(ctx, "token rotated", "account_id", acc.AccountID)
	return s.session(acc, res.Strategy, false)
}

// Register creates an account bound to an explicit external identity.
func (s *AccountService) Register(ctx context.Context, req *requestctx.Request, in RegisterRequest) (*Session, error) {
	ident := strings.TrimSpace(in.Identity)
	if ident == "" || models.IsAnonymousIdentity(ident) {
		return nil, fmt.Errorf("%w: invalid identity", common.ErrorValidation)
	}

	acc, err := s.newAccount(ctx, req, ident, in.Device)
	if err != nil {
		return nil, err
	}
	acc.DisplayName = in.DisplayName
	acc.Credential = in.Credential

	if err := s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
		return r.Accounts.Create(ctx, acc)
	}); err != nil {
		return nil, err
	}

	s.remember(req, acc)
	req.Bind(acc, "registered")
	req.Logger(s.logger).Info(ctx, "account registered", "account_id", acc.AccountID)
	return s.session(acc, "registered", true)
}

// RequestVerification sends a code for target to the holder of token. The
// returned code is non-empty only when no delivery channel is enabled.
func (s *AccountService) RequestVerification(ctx context.Context, req *requestctx.Request, token, target string) (string, error) {
	res, err := s.authenticate(ctx, req, token)
	if err != nil {
		return "", err
	}
	if s.verification == nil {
		return "", fmt.Errorf("%w: verification disabled", common.ErrorInternal)
	}
	return s.verification.SendCode(ctx, target, res.Account.DisplayName)
}

// Claim checks the verification code for the target identity, then
// migrates the anonymous account behind the token onto it. The code is
// consumed only after the migration committed, so a rolled-back claim can
// be retried with the same code.
func (s *AccountService) Claim(ctx context.Context, req *requestctx.Request, in ClaimRequest) (*Session, error) {
	if s.verification != nil {
		if err := s.verification.Check(ctx, in.Identity, in.Code); err != nil {
			return nil, err
		}
	}

	acc, err := s.migration.Claim(ctx, migration.ClaimRequest{
		Token:       in.Token,
		Identity:    in.Identity,
		DisplayName: in.DisplayName,
	})
	if err != nil {
		return nil, err
	}

	if s.verification != nil {
		if err := s.verification.Consume(ctx, in.Identity); err != nil {
			req.Logger(s.logger).Warn(ctx, "verification code not consumed", "identity", acc.Identity, "error", err)
		}
	}

	s.remember(req, acc)
	req.Bind(acc, "claimed")
	return s.session(acc, "claimed", false)
}

// RemoveAuthenticator deletes the account behind token.
func (s *AccountService) RemoveAuthenticator(ctx context.Context, req *requestctx.Request, token string) error {
	res, err := s.authenticate(ctx, req, token)
	if err != nil {
		return err
	}
	acc := res.Account

	if err := s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
		return r.Accounts.Delete(ctx, acc.Identity)
	}); err != nil {
		return err
	}

	if fp, ok := s.devices.Cache().Get(req.ClientIP); ok && strings.EqualFold(fp.Owner, acc.Identity) {
		s.devices.Cache().Forget(req.ClientIP)
	}
	req.Logger(s.logger).Info(ctx, "account removed", "account_id", acc.AccountID)
	return nil
}

// DeviceID returns the device id for the caller. A resolvable token yields
// the account's stored id; otherwise the device cache decides.
func (s *AccountService) DeviceID(ctx context.Context, req *requestctx.Request, token string) (string, error) {
	owner := ""
	if token != "" {
		res, err := s.authenticate(ctx, req, token)
		if err != nil {
			return "", err
		}
		if res.Account.DeviceID != "" {
			return res.Account.DeviceID, nil
		}
		owner = res.Account.Identity
	}
	return s.devices.GetOrAllocateDeviceID(ctx, req.ClientIP, owner), nil
}

// AnonymousUID returns the anonymous numeric uid for the caller's address.
func (s *AccountService) AnonymousUID(ctx context.Context, req *requestctx.Request) string {
	return s.devices.GetOrAllocateAnonUID(ctx, req.ClientIP)
}

func (s *AccountService) world(ctx context.Context, req *requestctx.Request, token string) (string, error) {
	if s.worlds == nil {
		return "", fmt.Errorf("%w: world storage disabled", common.ErrorInternal)
	}
	res, err := s.authenticate(ctx, req, token)
	if err != nil {
		return "", err
	}
	if res.Account.WorldPath != "" {
		return res.Account.WorldPath, nil
	}
	return worlds.PathFor(res.Account.AccountID), nil
}

func (s *AccountService) LoadWorld(ctx context.Context, req *requestctx.Request, token string) ([]byte, error) {
	key, err := s.world(ctx, req, token)
	if err != nil {
		return nil, err
	}
	return s.worlds.Load(ctx, key)
}

func (s *AccountService) SaveWorld(ctx context.Context, req *requestctx.Request, token string, data []byte) error {
	key, err := s.world(ctx, req, token)
	if err != nil {
		return err
	}
	return s.worlds.Save(ctx, key, data)
}

func isUnresolved(err error) bool {
	return errors.Is(err, common.ErrorNotFound) || errors.Is(err, common.ErrorAmbiguousCredential)
}

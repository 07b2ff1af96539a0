// Package verification issues and checks short-lived codes that gate
// claiming an identity.
//
// Delivery tries each enabled channel in a fixed order (email, then the
// third-party API) and stops at the first success. With no channel enabled
// the code is handed back to the caller instead, and the configured
// fallback code is accepted.
package verification

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/cryptox"
	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/dmitrijs2005/nucleus/internal/shared"
	"golang.org/x/time/rate"
)

// CodeLength is the number of digits in a generated code.
const CodeLength = 5

type Options struct {
	Key          []byte
	CodeTTL      time.Duration
	MaxAttempts  int
	SendInterval time.Duration
	SendBurst    int
	FallbackCode string
	OverrideCode string
}

func (o *Options) setDefaults() {
	if o.CodeTTL <= 0 {
		o.CodeTTL = 15 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 1
	}
	if len(o.Key) == 0 {
		o.Key = cryptox.DeriveKey("")
	}
}

type Service struct {
	store   *storage.Store
	senders []Sender
	opts    Options
	logger  logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	now     func() time.Time
	newCode func() (string, error)
}

// NewService wires senders in priority order.
func NewService(store *storage.Store, senders []Sender, opts Options, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop{}
	}
	opts.setDefaults()
	return &Service{
		store:    store,
		senders:  senders,
		opts:     opts,
		logger:   logger.With("module", "verification"),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
		newCode:  func() (string, error) { return shared.RandomDigits(CodeLength, false) },
	}
}

// HasChannels reports whether any delivery channel is enabled.
func (s *Service) HasChannels() bool {
	for _, snd := range s.senders {
		if snd.Enabled() {
			return true
		}
	}
	return false
}

// allow reports whether identity may have another code sent now. A zero
// send interval disables limiting.
func (s *Service) allow(identity string) bool {
	if s.opts.SendInterval <= 0 {
		return true
	}
	key := strings.ToLower(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.opts.SendInterval), s.opts.SendBurst)
		s.limiters[key] = l
	}
	return l.AllowN(s.now(), 1)
}

// SendCode issues a fresh code for identity, replacing any pending one.
//
// When a channel delivers it the returned string is empty. When no channel
// is enabled the code is returned so the caller can surface it.
func (s *Service) SendCode(ctx context.Context, identity, displayName string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("%w: empty identity", common.ErrorValidation)
	}
	if !s.allow(identity) {
		return "", common.ErrorRateLimited
	}

	local := !s.HasChannels()
	code := ""
	if local {
		code = s.opts.FallbackCode
	}
	if code == "" {
		var err error
		if code, err = s.newCode(); err != nil {
			return "", fmt.Errorf("%w: %w", common.ErrorInternal, err)
		}
	}

	if err := s.storePending(ctx, identity, code); err != nil {
		return "", err
	}

	if local {
		s.logger.Warn(ctx, "no delivery channel enabled, returning code to caller", "identity", identity)
		return code, nil
	}

	msg := Message{To: identity, DisplayName: displayName, Code: code}
	var errs []error
	for _, snd := range s.senders {
		if !snd.Enabled() {
			continue
		}
		err := snd.Send(ctx, msg)
		if err == nil {
			s.logger.Info(ctx, "verification code sent", "identity", identity, "channel", snd.Name())
			return "", nil
		}
		s.logger.Warn(ctx, "verification delivery failed", "identity", identity, "channel", snd.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", snd.Name(), err))
	}

	_ = s.discard(ctx, identity)
	return "", fmt.Errorf("%w: %w", common.ErrorDeliveryFailed, errors.Join(errs...))
}

func (s *Service) storePending(ctx context.Context, identity, code string) error {
	digest, err := cryptox.CodeDigest(s.opts.Key, identity, code)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	now := s.now()
	pending := &models.VerificationCode{
		Identity:  identity,
		Digest:    digest,
		ExpiresAt: now.Add(s.opts.CodeTTL),
		CreatedAt: now,
	}
	return s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
		return r.Verifications.Upsert(ctx, pending)
	})
}

func (s *Service) discard(ctx context.Context, identity string) error {
	return s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
		return r.Verifications.Delete(ctx, identity)
	})
}

// Verify checks code for identity and consumes the pending code on success.
// Every rejection is common.ErrorInvalidCode.
func (s *Service) Verify(ctx context.Context, identity, code string) error {
	if err := s.Check(ctx, identity, code); err != nil {
		return err
	}
	return s.Consume(ctx, identity)
}

// Consume drops the pending code for identity. Dropping a missing code is
// not an error.
func (s *Service) Consume(ctx context.Context, identity string) error {
	return s.discard(ctx, strings.TrimSpace(identity))
}

// Check is Verify without consuming the code on success, for callers that
// consume it only once the guarded work has committed. Failed attempts still
// count and expired or exhausted codes are still dropped.
func (s *Service) Check(ctx context.Context, identity, code string) error {
	identity = strings.TrimSpace(identity)
	code = strings.TrimSpace(code)
	if identity == "" || code == "" {
		return common.ErrorInvalidCode
	}

	if equal(s.opts.OverrideCode, code) {
		s.logger.Warn(ctx, "operator override code accepted", "identity", identity)
		return nil
	}
	if !s.HasChannels() && equal(s.opts.FallbackCode, code) {
		s.logger.Warn(ctx, "fallback code accepted", "identity", identity)
		return nil
	}

	var pending *models.VerificationCode
	err := s.store.Read(ctx, func(ctx context.Context, r storage.Repos) error {
		var err error
		pending, err = r.Verifications.Get(ctx, identity)
		return err
	})
	switch {
	case errors.Is(err, common.ErrorNotFound):
		return common.ErrorInvalidCode
	case err != nil:
		return err
	}

	if !s.now().Before(pending.ExpiresAt) || pending.Attempts >= s.opts.MaxAttempts {
		_ = s.discard(ctx, identity)
		return common.ErrorInvalidCode
	}

	if cryptox.VerifyCode(s.opts.Key, identity, code, pending.Digest) {
		return nil
	}

	var attempts int
	err = s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
		var err error
		attempts, err = r.Verifications.IncrementAttempts(ctx, identity)
		return err
	})
	if err == nil && attempts >= s.opts.MaxAttempts {
		s.logger.Info(ctx, "verification attempts exhausted", "identity", identity)
		_ = s.discard(ctx, identity)
	}
	return common.ErrorInvalidCode
}

// Sweep drops expired codes and idle rate limiters.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	now := s.now()

	s.mu.Lock()
	for k, l := range s.limiters {
		if l.TokensAt(now) >= float64(s.opts.SendBurst) {
			delete(s.limiters, k)
		}
	}
	s.mu.Unlock()

	var n int64
	err := s.store.Write(ctx, func(ctx context.Context, r storage.Repos) error {
		var err error
		n, err = r.Verifications.DeleteExpired(ctx, now)
		return err
	})
	return n, err
}

func equal(want, got string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

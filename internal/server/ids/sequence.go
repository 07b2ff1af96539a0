// Package ids allocates the fixed-width numeric account and legacy ids.
//
// Allocation never fails: after a bounded run of sequential collisions it
// falls back to a time-derived value and then to random digits, logging the
// fallback as common.ErrorAllocationExhausted.
package ids

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/shared"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// MaxAttempts bounds the sequential probe before falling back.
const MaxAttempts = 100

const randomAttempts = 5

// Source is where a Sequence learns about ids already in use.
type Source interface {
	// Latest returns the most recently stored id, or "" when none exist.
	Latest(ctx context.Context) (string, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// Sequence hands out increasing fixed-width ids for one id kind.
type Sequence struct {
	name   string
	width  int
	source Source
	logger logging.Logger

	mu     sync.Mutex
	cursor string

	// seams
	now    func() time.Time
	random func(n int) (string, error)
}

func NewSequence(name string, width int, source Source, logger logging.Logger) *Sequence {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Sequence{
		name:   name,
		width:  width,
		source: source,
		logger: logger.With("module", "ids", "sequence", name),
		now:    time.Now,
		random: func(n int) (string, error) { return shared.RandomDigits(n, false) },
	}
}

// Next returns an id of exactly width digits that the source did not know.
// Store errors while probing count as collisions.
func (s *Sequence) Next(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.source.Latest(ctx)
	if err != nil {
		s.logger.Warn(ctx, "latest id lookup failed", "error", err)
	}

	candidate := Normalize(latest, s.width)
	if s.cursor > candidate {
		candidate = s.cursor
	}

	for i := 0; i < MaxAttempts; i++ {
		candidate = Increment(candidate)
		if s.free(ctx, candidate) {
			s.cursor = candidate
			return candidate
		}
	}

	return s.fallback(ctx)
}

func (s *Sequence) free(ctx context.Context, id string) bool {
	exists, err := s.source.Exists(ctx, id)
	if err != nil {
		s.logger.Debug(ctx, "id probe failed", "id", id, "error", err)
		return false
	}
	return !exists
}

func (s *Sequence) fallback(ctx context.Context) string {
	ctx, span := otel.Tracer("nucleus/ids").Start(ctx, "ids.fallback")
	defer span.End()
	span.SetAttributes(attribute.String("sequence", s.name))

	timed := Normalize(strconv.FormatInt(s.now().UnixNano(), 10), s.width)
	if s.free(ctx, timed) {
		span.SetAttributes(attribute.String("fallback", "time"))
		s.logger.Warn(ctx, "sequential allocation exhausted, using time-derived id",
			"error", common.ErrorAllocationExhausted, "attempts", MaxAttempts)
		return timed
	}

	var candidate string
	for i := 0; i < randomAttempts; i++ {
		r, err := s.random(s.width)
		if err != nil || len(r) != s.width {
			// crypto/rand failing leaves the clock as the only entropy
			r = Normalize(strconv.FormatInt(s.now().UnixNano()+int64(i+1), 10), s.width)
		}
		candidate = r
		if s.free(ctx, candidate) {
			break
		}
	}

	span.SetAttributes(attribute.String("fallback", "random"))
	s.logger.Warn(ctx, "sequential allocation exhausted, using random id",
		"error", common.ErrorAllocationExhausted, "attempts", MaxAttempts)
	return candidate
}

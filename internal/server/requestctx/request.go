// Package requestctx carries per-request state.
//
// A Request is created for every inbound call and handed explicitly to the
// service layer. The context copy exists only so log lines can be tagged;
// nothing reads identity from it.
package requestctx

import (
	"context"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/rs/xid"
)

type Request struct {
	ID        string
	ClientIP  string
	StartedAt time.Time

	// Account and Strategy are set once identity resolution succeeds.
	Account  *models.Account
	Strategy string
}

func New(clientIP string) *Request {
	return &Request{
		ID:        xid.New().String(),
		ClientIP:  clientIP,
		StartedAt: time.Now(),
	}
}

// Bind records the resolved account on the request.
func (r *Request) Bind(account *models.Account, strategy string) {
	r.Account = account
	r.Strategy = strategy
}

// Logger returns l tagged with the request id and client address.
func (r *Request) Logger(l logging.Logger) logging.Logger {
	if l == nil {
		l = logging.Nop{}
	}
	if r == nil {
		return l
	}
	return l.With("request_id", r.ID, "client_ip", r.ClientIP)
}

type ctxKey struct{}

func WithRequest(ctx context.Context, r *Request) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// FromContext returns the request stored by WithRequest, or nil.
func FromContext(ctx context.Context) *Request {
	r, _ := ctx.Value(ctxKey{}).(*Request)
	return r
}

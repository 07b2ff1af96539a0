// Package httpapi is the thin HTTP transport in front of the account
// service. It normalizes where clients put their credentials, builds the
// per-request context and maps service errors to status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/requestctx"
	"github.com/dmitrijs2005/nucleus/internal/server/services"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Handler struct {
	svc    *services.AccountService
	logger logging.Logger
}

// NewRouter returns the routed handler for svc.
func NewRouter(svc *services.AccountService, logger logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Nop{}
	}
	h := &Handler{svc: svc, logger: logger.With("module", "http")}

	r := mux.NewRouter()
	r.Use(h.withRequest)

	r.HandleFunc("/connect/auth", h.connect).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/connect/token", h.exchange).Methods(http.MethodPost)
	r.HandleFunc("/connect/tokeninfo", h.tokenInfo).Methods(http.MethodGet)
	r.HandleFunc("/connect/refresh", h.refresh).Methods(http.MethodPost)

	r.HandleFunc("/identity/register", h.register).Methods(http.MethodPost)
	r.HandleFunc("/identity/verification", h.requestVerification).Methods(http.MethodPost)
	r.HandleFunc("/identity/claim", h.claim).Methods(http.MethodPost)
	r.HandleFunc("/identity/authenticator", h.removeAuthenticator).Methods(http.MethodDelete)

	r.HandleFunc("/device/id", h.deviceID).Methods(http.MethodGet)
	r.HandleFunc("/device/uid", h.anonymousUID).Methods(http.MethodGet)

	r.HandleFunc("/world", h.loadWorld).Methods(http.MethodGet)
	r.HandleFunc("/world", h.saveWorld).Methods(http.MethodPut)

	return r
}

// withRequest attaches a fresh requestctx.Request, opens a server span and
// logs the outcome.
func (h *Handler) withRequest(next http.Handler) http.Handler {
	tracer := otel.Tracer("nucleus/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := requestctx.New(clientIP(r))

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		ctx, span := tracer.Start(r.Context(), r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("request.id", req.ID)))
		defer span.End()

		ctx = requestctx.WithRequest(ctx, req)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if req.Account != nil {
			span.SetAttributes(attribute.String("strategy", req.Strategy))
		}
		req.Logger(h.logger).Debug(ctx, "request served",
			"method", r.Method, "path", r.URL.Path, "status", sw.status,
			"duration", time.Since(req.StartedAt))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// request returns the per-request state and a logger tagged with it.
func (h *Handler) request(ctx context.Context) (*requestctx.Request, logging.Logger) {
	req := requestctx.FromContext(ctx)
	if req == nil {
		req = requestctx.New("")
	}
	return req, req.Logger(h.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

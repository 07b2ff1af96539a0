package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/server/services"
)

type sessionResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	IDToken     string `json:"id_token"`
	Code        string `json:"code,omitempty"`
	AccountID   string `json:"account_id"`
	LegacyID    string `json:"pid_id,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	Anonymous   bool   `json:"is_anonymous"`
	Created     bool   `json:"created"`
}

func newSessionResponse(s *services.Session) sessionResponse {
	return sessionResponse{
		AccessToken: s.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   s.ExpiresIn,
		IDToken:     s.IDToken,
		Code:        s.AccessCode,
		AccountID:   s.Account.AccountID,
		LegacyID:    s.Account.LegacyID,
		DeviceID:    s.Account.DeviceID,
		Anonymous:   s.Account.IsAnonymous(),
		Created:     s.Created,
	}
}

func deviceFields(in *inbound) services.ConnectRequest {
	return services.ConnectRequest{
		DeviceID:           in.field("device_id"),
		PlatformVendorID:   in.field("platform_vendor_id"),
		AdvertisingID:      in.field("advertising_id"),
		PlatformID:         in.field("platform_id"),
		CombinedID:         in.field("combined_id"),
		Manufacturer:       in.field("manufacturer"),
		Model:              in.field("model"),
		AnonymousSessionID: in.field("as_identifier"),
	}
}

// parse reads the body; a malformed one is a validation error.
func parse(r *http.Request) (*inbound, error) {
	in, err := readInbound(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorValidation, err)
	}
	return in, nil
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	in, err := parse(r)
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}
	cr := deviceFields(in)
	cr.Token = in.token()

	sess, err := h.svc.Connect(ctx, req, cr)
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (h *Handler) exchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	in, err := parse(r)
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}

	sess, err := h.svc.ExchangeAccessCode(ctx, req, in.field("code"))
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

type tokenInfoResponse struct {
	AccountID   string `json:"account_id"`
	LegacyID    string `json:"pid_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	Anonymous   bool   `json:"is_anonymous"`
	ExpiresIn   int    `json:"expires_in"`
}

func (h *Handler) tokenInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	in, err := parse(r)
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}

	info, err := h.svc.TokenInfo(ctx, req, in.token())
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenInfoResponse{
		AccountID:   info.AccountID,
		LegacyID:    info.LegacyID,
		DisplayName: info.DisplayName,
		DeviceID:    info.DeviceID,
		Anonymous:   info.Anonymous,
		ExpiresIn:   info.ExpiresIn,
	})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	in, err := parse(r)
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}

	sess, err := h.svc.RefreshToken(ctx, req, in.token())
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	in, err := parse(r)
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}

	sess, err := h.svc.Register(ctx, req, services.RegisterRequest{
		Identity:    in.field("identity"),
		DisplayName: in.field("display_name"),
		Credential:  in.field("credential"),
		Device:      deviceFields(in),
	})
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(sess))
}

type verificationResponse struct {
	Sent bool   `json:"sent"`
	Code string `json:"code,omitempty"`
}

func (h *Handler) requestVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	in, err := parse(r)
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}

	code, err := h.svc.RequestVerification(ctx, req, in.token(), in.field("identity"))
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, verificationResponse{Sent: code == "", Code: code})
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	in, err := parse(r)
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}

	sess, err := h.svc.Claim(ctx, req, services.ClaimRequest{
		Token:       in.token(),
		Identity:    in.field("identity"),
		Code:        in.field("code"),
		DisplayName: in.field("display_name"),
	})
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (h *Handler) removeAuthenticator(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	in, err := parse(r)
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}

	if err := h.svc.RemoveAuthenticator(ctx, req, in.token()); err != nil {
		writeError(ctx, w, log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deviceID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	in, err := parse(r)
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}

	id, err := h.svc.DeviceID(ctx, req, in.token())
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": id})
}

func (h *Handler) anonymousUID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, _ := h.request(ctx)
	writeJSON(w, http.StatusOK, map[string]string{"uid": h.svc.AnonymousUID(ctx, req)})
}

// World bodies are opaque, so the token comes from headers or the query.
func worldToken(r *http.Request) string {
	return (&inbound{r: r}).token()
}

func (h *Handler) loadWorld(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	data, err := h.svc.LoadWorld(ctx, req, worldToken(r))
	if err != nil {
		writeError(ctx, w, log, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) saveWorld(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, log := h.request(ctx)

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWorld))
	if err != nil {
		writeError(ctx, w, log, fmt.Errorf("%w: %w", common.ErrorValidation, err))
		return
	}

	if err := h.svc.SaveWorld(ctx, req, worldToken(r), data); err != nil {
		writeError(ctx, w, log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

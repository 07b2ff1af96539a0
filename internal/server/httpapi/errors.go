package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/logging"
)

type errorMapping struct {
	err    error
	status int
	public string
}

// Checked in order; wrapped errors match the first sentinel they carry.
// A failed migration is a server error whatever its cause, except a target
// identity refused by the reject policy.
var errorMappings = []errorMapping{
	{common.ErrorIdentityTaken, http.StatusConflict, "identity already registered"},
	{common.ErrorMigrationFailed, http.StatusInternalServerError, "internal error"},
	{common.ErrorValidation, http.StatusBadRequest, "invalid request"},
	{common.ErrorAuthenticationFailed, http.StatusUnauthorized, "authentication failed"},
	{common.ErrorInvalidCode, http.StatusUnauthorized, "invalid verification code"},
	{common.ErrorAlreadyExists, http.StatusConflict, "identity already registered"},
	{common.ErrorInvalidTransition, http.StatusConflict, "account already registered"},
	{common.ErrorNotFound, http.StatusNotFound, "not found"},
	{common.ErrorRateLimited, http.StatusTooManyRequests, "too many requests"},
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps err to a status and a fixed public message. The cause is
// logged, never returned.
func writeError(ctx context.Context, w http.ResponseWriter, log logging.Logger, err error) {
	status, public := http.StatusInternalServerError, "internal error"
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			status, public = m.status, m.public
			break
		}
	}

	if status >= 500 {
		log.Error(ctx, "request failed", "status", status, "error", err)
	} else {
		log.Info(ctx, "request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: public})
}

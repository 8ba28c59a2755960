package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"escrow-service/internal/apperrors"
	"github.com/pkg/errors"
)

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	CurrentStatus string `json:"currentStatus,omitempty"`
	Guidance      string `json:"guidance,omitempty"`
}

var errorStatuses = []struct {
	target error
	status int
	code   string
}{
	{apperrors.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperrors.ErrForbidden, http.StatusForbidden, "forbidden"},
	{apperrors.ErrStaleTransition, http.StatusConflict, "stale_transition"},
	{apperrors.ErrBookingState, http.StatusConflict, "booking_state"},
	{apperrors.ErrInvalidAccount, http.StatusUnprocessableEntity, "invalid_account"},
	{apperrors.ErrRecipientUntrusted, http.StatusUnprocessableEntity, "recipient_untrusted"},
	{apperrors.ErrReleaseFailed, http.StatusUnprocessableEntity, "release_failed"},
	{apperrors.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{apperrors.ErrGatewayUnavailable, http.StatusServiceUnavailable, "gateway_unavailable"},
}

// toErrorResponse maps err onto an HTTP status and a body safe to show users.
func toErrorResponse(err error) (int, errorResponse) {
	for _, e := range errorStatuses {
		if !errors.Is(err, e.target) {
			continue
		}
		resp := errorResponse{Error: err.Error(), Code: e.code, Guidance: apperrors.Guidance(err)}
		var stale *apperrors.StaleTransitionError
		if errors.As(err, &stale) {
			resp.CurrentStatus = stale.Current
		}
		return e.status, resp
	}
	return http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := toErrorResponse(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "Request failed", "status", status, "error", err)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

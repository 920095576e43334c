package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/clinicbook/libs/httpx"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// writeError maps service errors to HTTP responses. Unknown errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, retryURL string) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Error: verr.Error(), Code: "invalid_request"})
	case errors.Is(err, model.ErrConflict):
		httpx.WriteError(w, http.StatusConflict, httpx.ErrorBody{Error: "slot no longer available", Code: "slot_unavailable"})
	case errors.Is(err, model.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, httpx.ErrorBody{Error: "not found", Code: "not_found"})
	case errors.Is(err, model.ErrInvalidTransition):
		httpx.WriteError(w, http.StatusConflict, httpx.ErrorBody{Error: "booking cannot change state", Code: "invalid_transition"})
	case errors.Is(err, model.ErrPaymentFailed):
		httpx.WriteError(w, http.StatusPaymentRequired, httpx.ErrorBody{Error: "payment could not be started", Code: "payment_failed", RetryURL: retryURL})
	case errors.Is(err, gateway.ErrInvalidSignature):
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Error: "invalid signature", Code: "invalid_signature"})
	default:
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", httpx.RequestIDFromContext(r.Context()), "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, httpx.ErrorBody{Error: "internal error"})
	}
}

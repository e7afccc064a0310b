package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ineyio/creditledger"
)

// StatusClientClosedRequest is returned when the caller went away before
// the request finished.
const StatusClientClosedRequest = 499

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	if cid := CorrelationIDFromContext(r.Context()); cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, ErrorResponse{Error: code, Message: message})
}

// writeLedgerError maps a ledger error onto its HTTP status and code.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	writeError(w, r, status, code, h.publicMessage(r, status, err))
}

// publicMessage returns the text sent to the caller for err. Unexpected
// server errors are logged and masked.
func (h *Handler) publicMessage(r *http.Request, status int, err error) string {
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusNotImplemented {
		h.logger.Error("request failed",
			"cid", CorrelationIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		return "internal error"
	}
	return err.Error()
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, creditledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, creditledger.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, creditledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, creditledger.ErrInvalidAccount):
		return http.StatusBadRequest, "invalid_account"
	case errors.Is(err, creditledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, creditledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, creditledger.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, creditledger.ErrOwnershipMismatch):
		return http.StatusConflict, "ownership_mismatch"
	case errors.Is(err, creditledger.ErrAccountInactive):
		return http.StatusForbidden, "account_inactive"
	case errors.Is(err, creditledger.ErrReservationResolved):
		return http.StatusConflict, "reservation_resolved"
	case errors.Is(err, creditledger.ErrReservationExpired):
		return http.StatusGone, "reservation_expired"
	case errors.Is(err, creditledger.ErrNoGenerator):
		return http.StatusNotImplemented, "no_generator"
	case errors.Is(err, creditledger.ErrExternalServiceFailure):
		return http.StatusBadGateway, "external_service_failure"
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "request_canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

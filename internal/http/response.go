package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"zenverifier/internal/logger"
	"zenverifier/internal/services"
	"zenverifier/internal/verifier"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// respondServiceError maps service errors to statuses. Unknown errors are
// logged and reported as 500 without their detail.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *verifier.APIError
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		respondError(w, http.StatusUnauthorized, err)
	case errors.Is(err, services.ErrForbidden):
		respondError(w, http.StatusForbidden, err)
	case errors.Is(err, services.ErrInsufficientCredits):
		respondError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrDuplicateTransaction), errors.Is(err, services.ErrSlugTaken):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrBillingNotConfigured), errors.Is(err, services.ErrVerifierNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &apiErr):
		status := apiErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		respondJSON(w, status, ErrorResponse{Error: apiErr.Message, Code: apiErr.Code})
	case errors.Is(err, services.ErrUpstream):
		s.logFor(r).Warn("upstream provider error", zap.Error(err))
		respondError(w, http.StatusBadGateway, services.ErrUpstream)
	default:
		s.logFor(r).Error("internal server error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func (s *Server) logFor(r *http.Request) *zap.Logger {
	return logger.WithContext(r.Context(), s.log)
}

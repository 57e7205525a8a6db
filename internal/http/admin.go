package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"zenverifier/internal/models"
)

type pageResponse[T any] struct {
	Items    []T   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

func newPage[T any](items []T, total int64, page, pageSize int) pageResponse[T] {
	if items == nil {
		items = []T{}
	}
	return pageResponse[T]{Items: items, Total: total, Page: page, PageSize: pageSize}
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	users, total, err := s.svc.ListUsers(r.Context(), page, pageSize)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newPage(users, total, page, pageSize))
}

func (s *Server) handleAdminUserLedger(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.svc.GetUserByID(r.Context(), userID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	view, err := s.svc.Ledger(r.Context(), userID, limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleAdminListBillingEvents(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	events, total, err := s.svc.ListBillingEvents(r.Context(), page, pageSize)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newPage[models.BillingEvent](events, total, page, pageSize))
}

func (s *Server) handleAdminReplayBillingEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	admin, _ := callerFromContext(r.Context())
	evt, err := s.svc.ReplayBillingEvent(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.logFor(r).Info("billing event replayed",
		zap.Int64("billing_event_id", id),
		zap.Int64("admin_id", admin.ID),
		zap.String("processing_error", evt.ProcessingError),
	)
	respondJSON(w, http.StatusOK, evt)
}

type manualGrantRequest struct {
	UserID         int64  `json:"userId" validate:"required,gt=0"`
	Credits        int    `json:"credits" validate:"required,gt=0,lte=10000000"`
	Description    string `json:"description" validate:"max=255"`
	IdempotencyKey string `json:"idempotencyKey" validate:"max=128"`
}

func (s *Server) handleInternalGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req manualGrantRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if _, err := s.svc.GetUserByID(r.Context(), req.UserID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	tx, applied, err := s.svc.ManualGrant(r.Context(), req.UserID, req.Credits, req.Description, req.IdempotencyKey)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !applied {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"success":       true,
		"applied":       applied,
		"transactionId": tx.ID,
		"transaction":   tx,
	})
}

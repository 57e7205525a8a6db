package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"zenverifier/internal/billing"
	"zenverifier/internal/models"
	"zenverifier/internal/services"
	"zenverifier/internal/verifier"
)

// multipartOverhead is allowed on top of the upload limit for form framing.
const multipartOverhead = 1 << 20

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, _ := callerFromContext(r.Context())
	balance, err := s.svc.GetBalance(r.Context(), user.ID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"credits": balance})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	user, _ := callerFromContext(r.Context())
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	view, err := s.svc.Ledger(r.Context(), user.ID, limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type verifySingleRequest struct {
	Email   string `json:"email" validate:"required,max=254"`
	Timeout int    `json:"timeout" validate:"omitempty,min=2,max=60"`
}

type verifySingleResponse struct {
	models.VerificationHistory
	RemainingCredits int64 `json:"remainingCredits"`
}

func (s *Server) handleVerifySingle(w http.ResponseWriter, r *http.Request) {
	var req verifySingleRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	user, _ := callerFromContext(r.Context())
	row, balance, err := s.svc.VerifySingle(r.Context(), user, req.Email, req.Timeout)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, verifySingleResponse{VerificationHistory: row, RemainingCredits: balance})
}

type historyPagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
}

type historyResponse struct {
	History    []models.VerificationHistory `json:"history"`
	Total      int64                        `json:"total"`
	Pagination historyPagination            `json:"pagination"`
	Stats      services.VerificationStats   `json:"stats"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := historyFilterFromQuery(r)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	user, _ := callerFromContext(r.Context())
	page, err := s.svc.History(r.Context(), user.ID, filter)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	items := page.Items
	if items == nil {
		items = []models.VerificationHistory{}
	}
	respondJSON(w, http.StatusOK, historyResponse{
		History: items,
		Total:   page.Total,
		Pagination: historyPagination{
			Page:       page.Page,
			Limit:      page.Limit,
			Total:      page.Total,
			TotalPages: page.TotalPages,
		},
		Stats: page.Stats,
	})
}

func historyFilterFromQuery(r *http.Request) (services.HistoryFilter, error) {
	q := r.URL.Query()
	f := services.HistoryFilter{
		Email:   strings.TrimSpace(q.Get("email")),
		Result:  strings.TrimSpace(q.Get("result")),
		Quality: strings.TrimSpace(q.Get("quality")),
	}
	var err error
	if f.Page, err = queryInt(r, "page"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		return f, err
	}
	if f.DateFrom, err = queryTime(r, "dateFrom"); err != nil {
		return f, err
	}
	if f.DateTo, err = queryTime(r, "dateTo"); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleBulkUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Bulk.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondServiceError(w, r, fmt.Errorf("%w: file size must be at most %d bytes", services.ErrInvalidRequest, limit))
			return
		}
		s.respondServiceError(w, r, fmt.Errorf("%w: expected a multipart form", services.ErrInvalidRequest))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondServiceError(w, r, fmt.Errorf("%w: no file provided", services.ErrInvalidRequest))
		return
	}
	defer file.Close()

	body, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		s.respondServiceError(w, r, fmt.Errorf("%w: read upload: %v", services.ErrInvalidRequest, err))
		return
	}

	user, _ := callerFromContext(r.Context())
	job, err := s.svc.UploadBulk(r.Context(), user, header.Filename, body)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	fileID := strings.TrimSpace(r.URL.Query().Get("fileId"))
	if fileID == "" {
		respondError(w, http.StatusBadRequest, errors.New("fileId is required"))
		return
	}
	user, _ := callerFromContext(r.Context())
	job, err := s.svc.BulkStatus(r.Context(), user, fileID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleBulkList(w http.ResponseWriter, r *http.Request) {
	user, _ := callerFromContext(r.Context())
	jobs, err := s.svc.ListBulk(r.Context(), user)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.BulkJob{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

type bulkFileRequest struct {
	FileID string `json:"fileId" validate:"required,max=64"`
}

func (s *Server) handleBulkStop(w http.ResponseWriter, r *http.Request) {
	var req bulkFileRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	user, _ := callerFromContext(r.Context())
	job, err := s.svc.StopBulk(r.Context(), user, req.FileID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Bulk processing stopped successfully",
		"job":     job,
	})
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	req := bulkFileRequest{FileID: strings.TrimSpace(r.URL.Query().Get("fileId"))}
	if req.FileID == "" {
		if err := s.decodeJSON(w, r, &req); err != nil {
			s.respondServiceError(w, r, err)
			return
		}
	}
	user, _ := callerFromContext(r.Context())
	if err := s.svc.DeleteBulk(r.Context(), user, req.FileID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Bulk job deleted successfully",
	})
}

func (s *Server) handleBulkDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fileID := strings.TrimSpace(q.Get("fileId"))
	if fileID == "" {
		respondError(w, http.StatusBadRequest, errors.New("fileId is required"))
		return
	}
	opts := verifier.DownloadOptions{
		Filter:   q.Get("filter"),
		Statuses: q.Get("statuses"),
		Free:     q.Get("free"),
		Role:     q.Get("role"),
	}

	user, _ := callerFromContext(r.Context())
	body, filename, err := s.svc.DownloadBulk(r.Context(), user, fileID, opts)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logFor(r).Warn("stream bulk results", zap.String("file_id", fileID), zap.Error(err))
	}
}

type checkoutRequest struct {
	PackageID string `json:"packageId" validate:"required,max=32"`
	Mode      string `json:"mode" validate:"omitempty,oneof=subscription payment"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	user, _ := callerFromContext(r.Context())
	res, err := s.svc.CreateCheckout(r.Context(), user, req.PackageID, req.Mode)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	user, _ := callerFromContext(r.Context())
	url, err := s.svc.CreatePortal(r.Context(), user)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	user, _ := callerFromContext(r.Context())
	invoices, err := s.svc.ListInvoices(r.Context(), user)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []billing.Invoice{}
	}
	respondJSON(w, http.StatusOK, invoices)
}

func (s *Server) handleListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	user, _ := callerFromContext(r.Context())
	methods, err := s.svc.ListPaymentMethods(r.Context(), user)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if methods == nil {
		methods = []billing.PaymentMethod{}
	}
	respondJSON(w, http.StatusOK, methods)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	user, _ := callerFromContext(r.Context())
	sub, err := s.svc.CurrentSubscription(r.Context(), user)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

func (s *Server) handleCheckConfig(w http.ResponseWriter, r *http.Request) {
	user, _ := callerFromContext(r.Context())
	respondJSON(w, http.StatusOK, s.svc.CheckConfig(r.Context(), user))
}

type createAPIKeyRequest struct {
	Name string `json:"name" validate:"max=100"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if r.ContentLength != 0 {
		if err := s.decodeJSON(w, r, &req); err != nil {
			s.respondServiceError(w, r, err)
			return
		}
	}
	user, _ := callerFromContext(r.Context())
	raw, key, err := s.svc.CreateAPIKey(r.Context(), user.ID, req.Name)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"raw_key": raw,
		"api_key": key,
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	user, _ := callerFromContext(r.Context())
	keys, err := s.svc.ListAPIKeys(r.Context(), user.ID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, keys)
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	user, _ := callerFromContext(r.Context())
	if err := s.svc.RevokeAPIKey(r.Context(), user.ID, id); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"zenverifier/internal/config"
	"zenverifier/internal/identity"
	"zenverifier/internal/services"
)

const maxJSONBody = 1 << 20

// Options carries the optional collaborators of a Server.
type Options struct {
	// Sessions verifies Clerk session tokens; nil disables bearer auth.
	Sessions *identity.SessionVerifier
	// Redis backs the rate limiter and the readiness probe when set.
	Redis    *redis.Client
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type Server struct {
	svc       *services.Service
	cfg       config.Config
	log       *zap.Logger
	sessions  *identity.SessionVerifier
	redis     *redis.Client
	limiter   *rateLimiter
	gatherer  prometheus.Gatherer
	validator *validator.Validate
}

func NewServer(svc *services.Service, cfg config.Config, opts Options) *Server {
	s := &Server{
		svc:       svc,
		cfg:       cfg,
		log:       opts.Logger,
		sessions:  opts.Sessions,
		redis:     opts.Redis,
		gatherer:  opts.Gatherer,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.limiter = newRateLimiter(opts.Redis, cfg.RateLimit, s.log)
	return s
}

func (s *Server) loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				s.logFor(r).Error("panic recovered",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rvr),
					zap.ByteString("stack", debug.Stack()),
				)
				if r.Header.Get("Connection") != "Upgrade" {
					respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logFor(r).Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingRecoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		r.Post("/webhooks/stripe", s.handleStripeWebhook)
		r.Post("/webhooks/clerk", s.handleClerkWebhook)
		r.Get("/packages", s.handleListPackages)

		r.Group(func(r chi.Router) {
			r.Use(s.callerMiddleware)
			r.Use(s.limiter.Handler)

			r.Get("/credits/balance", s.handleBalance)
			r.Get("/credits/ledger", s.handleLedger)

			r.Post("/verification/single", s.handleVerifySingle)
			r.Get("/verification/history", s.handleHistory)
			r.Post("/verification/bulk/upload", s.handleBulkUpload)
			r.Get("/verification/bulk/status", s.handleBulkStatus)
			r.Get("/verification/bulk/list", s.handleBulkList)
			r.Post("/verification/bulk/stop", s.handleBulkStop)
			r.Delete("/verification/bulk/delete", s.handleBulkDelete)
			r.Get("/verification/bulk/download", s.handleBulkDownload)

			r.Post("/billing/checkout", s.handleCreateCheckout)
			r.Post("/billing/portal", s.handleCreatePortal)
			r.Get("/billing/invoices", s.handleListInvoices)
			r.Get("/billing/payment-methods", s.handleListPaymentMethods)
			r.Get("/billing/subscription", s.handleGetSubscription)
			r.Get("/billing/check-config", s.handleCheckConfig)

			r.Post("/api-keys", s.handleCreateAPIKey)
			r.Get("/api-keys", s.handleListAPIKeys)
			r.Post("/api-keys/{id}/revoke", s.handleRevokeAPIKey)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.callerMiddleware)
			r.Use(s.adminMiddleware)

			r.Get("/users", s.handleAdminListUsers)
			r.Get("/users/{id}/ledger", s.handleAdminUserLedger)
			r.Get("/billing-events", s.handleAdminListBillingEvents)
			r.Post("/billing-events/{id}/replay", s.handleAdminReplayBillingEvent)
		})

		if s.cfg.Internal.EnableTestRoutes {
			r.Route("/internal", func(r chi.Router) {
				r.Use(s.internalAPIKeyMiddleware)

				r.Post("/credits", s.handleInternalGrantCredits)
			})
		}
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.allowOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-Internal-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) bool {
	return slices.Contains(s.cfg.Server.AllowedOrigins, "*") || slices.Contains(s.cfg.Server.AllowedOrigins, origin)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := http.StatusOK
	if err := s.svc.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.redis != nil {
		checks["redis"] = "ok"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, checks)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Packages())
}

// decodeJSON reads a size-limited JSON body into dst and validates it.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", services.ErrInvalidRequest)
	}
	return s.validate(dst)
}

func (s *Server) validate(v any) error {
	if err := s.validator.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed on %s", services.ErrInvalidRequest, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", services.ErrInvalidRequest, err)
	}
	return nil
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func parsePagination(r *http.Request) (int, int) {
	page := 1
	pageSize := 20

	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if parsed, err := strconv.Atoi(ps); err == nil && parsed > 0 && parsed <= 100 {
			pageSize = parsed
		}
	}
	return page, pageSize
}

// queryInt parses an optional integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", services.ErrInvalidRequest, name)
	}
	return v, nil
}

// queryTime parses an optional RFC 3339 or YYYY-MM-DD query parameter.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s must be a date", services.ErrInvalidRequest, name)
}

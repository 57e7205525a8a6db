package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"zenverifier/internal/models"
	"zenverifier/internal/services"
)

type contextKey string

const (
	contextKeyUser     contextKey = "user"
	contextKeyAuthKind contextKey = "auth_kind"
)

const (
	authKindSession = "session"
	authKindAPIKey  = "api_key"

	headerAPIKey      = "X-API-Key"
	headerInternalKey = "X-Internal-Key"
)

// callerMiddleware resolves the caller from a Clerk session bearer token or
// an X-API-Key header. Session callers are provisioned on first sight.
func (s *Server) callerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			user models.User
			kind string
			err  error
		)
		if raw := strings.TrimSpace(r.Header.Get(headerAPIKey)); raw != "" {
			kind = authKindAPIKey
			user, err = s.svc.AuthenticateAPIKey(r.Context(), raw)
		} else {
			kind = authKindSession
			user, err = s.sessionUser(r)
		}
		if err != nil {
			s.respondServiceError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUser, user)
		ctx = context.WithValue(ctx, contextKeyAuthKind, kind)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) sessionUser(r *http.Request) (models.User, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return models.User{}, fmt.Errorf("%w: missing authorization header", services.ErrUnauthenticated)
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return models.User{}, fmt.Errorf("%w: invalid authorization header format", services.ErrUnauthenticated)
	}
	if s.sessions == nil {
		s.logFor(r).Warn("session token presented but no clerk jwt key is configured")
		return models.User{}, services.ErrUnauthenticated
	}
	session, err := s.sessions.Verify(parts[1])
	if err != nil {
		return models.User{}, services.ErrUnauthenticated
	}
	user, err := s.svc.EnsureUser(r.Context(), session.UserID, nil)
	if err != nil {
		s.logFor(r).Error("provision session user", zap.String("clerk_id", session.UserID), zap.Error(err))
		return models.User{}, err
	}
	if user.DeletedAt != nil {
		return models.User{}, services.ErrUnauthenticated
	}
	return user, nil
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := callerFromContext(r.Context())
		if user.Role != models.UserRoleAdmin || authKindFromContext(r.Context()) != authKindSession {
			respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) internalAPIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Internal.APIKey == "" {
			respondError(w, http.StatusServiceUnavailable, errors.New("internal API key not configured"))
			return
		}
		key := r.Header.Get(headerInternalKey)
		if key == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing X-Internal-Key header"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Internal.APIKey)) != 1 {
			respondError(w, http.StatusUnauthorized, errors.New("invalid internal key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(contextKeyUser).(models.User)
	return user, ok
}

func authKindFromContext(ctx context.Context) string {
	if kind, ok := ctx.Value(contextKeyAuthKind).(string); ok {
		return kind
	}
	return ""
}

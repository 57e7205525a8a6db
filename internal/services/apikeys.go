package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"zenverifier/internal/models"
)

const (
	apiKeyScheme    = "zv_"
	apiKeyPrefixLen = len(apiKeyScheme) + 8
)

// CreateAPIKey issues a key for programmatic access. The raw key is only
// returned here; the store keeps its prefix and bcrypt hash.
func (s *Service) CreateAPIKey(ctx context.Context, userID int64, name string) (string, models.APIKey, error) {
	if userID == 0 {
		return "", models.APIKey{}, ErrInvalidRequest
	}
	raw, prefix, hash, err := generateKey()
	if err != nil {
		return "", models.APIKey{}, err
	}
	key, err := s.store.CreateAPIKey(ctx, models.APIKey{
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyPrefix: prefix,
		KeyHash:   hash,
		Status:    models.APIKeyStatusActive,
	})
	if err != nil {
		return "", models.APIKey{}, err
	}
	return raw, key, nil
}

func (s *Service) ListAPIKeys(ctx context.Context, userID int64) ([]models.APIKey, error) {
	return s.store.ListAPIKeys(ctx, userID)
}

func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID int64) error {
	return s.store.RevokeAPIKey(ctx, userID, keyID, s.now())
}

// AuthenticateAPIKey resolves a raw key to its active owner.
func (s *Service) AuthenticateAPIKey(ctx context.Context, raw string) (models.User, error) {
	if !strings.HasPrefix(raw, apiKeyScheme) || len(raw) <= apiKeyPrefixLen {
		return models.User{}, ErrUnauthenticated
	}
	key, err := s.store.GetAPIKeyByPrefix(ctx, raw[:apiKeyPrefixLen])
	if errors.Is(err, ErrNotFound) {
		return models.User{}, ErrUnauthenticated
	}
	if err != nil {
		return models.User{}, err
	}
	if key.Status != models.APIKeyStatusActive {
		return models.User{}, ErrUnauthenticated
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)); err != nil {
		return models.User{}, ErrUnauthenticated
	}

	user, err := s.store.GetUserByID(ctx, key.UserID)
	if errors.Is(err, ErrNotFound) {
		return models.User{}, ErrUnauthenticated
	}
	if err != nil {
		return models.User{}, err
	}
	if user.DeletedAt != nil {
		return models.User{}, ErrUnauthenticated
	}
	if err := s.store.TouchAPIKey(ctx, key.ID, s.now()); err != nil {
		s.log.Warn("touch api key failed", zap.Int64("key_id", key.ID), zap.Error(err))
	}
	return user, nil
}

func generateKey() (raw, prefix, hash string, err error) {
	buf := make([]byte, 24)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	raw = apiKeyScheme + hex.EncodeToString(buf)
	prefix = raw[:apiKeyPrefixLen]
	sum, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", err
	}
	return raw, prefix, string(sum), nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"zenverifier/internal/models"
	"zenverifier/internal/services"
)

const apiKeyColumns = `id, user_id, name, key_prefix, key_hash, status, last_used_at, created_at, revoked_at`

func scanAPIKey(row pgx.Row) (models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &k.KeyHash, &k.Status, &k.LastUsedAt, &k.CreatedAt, &k.RevokedAt)
	return k, err
}

func (s *Store) CreateAPIKey(ctx context.Context, key models.APIKey) (models.APIKey, error) {
	created, err := scanAPIKey(s.pool.QueryRow(ctx, `
		INSERT INTO api_keys (user_id, name, key_prefix, key_hash, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+apiKeyColumns,
		key.UserID, key.Name, key.KeyPrefix, key.KeyHash, key.Status,
	))
	if isUniqueViolation(err) {
		return models.APIKey{}, fmt.Errorf("%w: key prefix collision", services.ErrInvalidRequest)
	}
	return created, err
}

func (s *Store) ListAPIKeys(ctx context.Context, userID int64) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = $1
		ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []models.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (models.APIKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1`, prefix))
	return k, notFound(err)
}

func (s *Store) RevokeAPIKey(ctx context.Context, userID, keyID int64, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET status = $3, revoked_at = COALESCE(revoked_at, $4)
		WHERE id = $1 AND user_id = $2`, keyID, userID, models.APIKeyStatusRevoked, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return services.ErrNotFound
	}
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, keyID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, at)
	return err
}

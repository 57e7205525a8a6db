package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"zenverifier/internal/models"
	"zenverifier/internal/services"
)

const userColumns = `id, clerk_id, email, COALESCE(username, ''), COALESCE(name, ''), COALESCE(image_url, ''),
	role, deleted_at, created_at, updated_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.ClerkID, &u.Email, &u.Username, &u.Name, &u.ImageURL,
		&u.Role, &u.DeletedAt, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// CreateUser inserts the user and its signup grant together. A concurrent
// first contact for the same Clerk id loses the insert and gets the winner's
// row back.
func (s *Store) CreateUser(ctx context.Context, user models.User, signup *models.CreditTransaction) (models.User, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.User{}, false, err
	}
	defer tx.Rollback(ctx)

	created, err := scanUser(tx.QueryRow(ctx, `
		INSERT INTO users (clerk_id, email, username, name, image_url, role)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6)
		ON CONFLICT (clerk_id) DO NOTHING
		RETURNING `+userColumns,
		user.ClerkID, user.Email, user.Username, user.Name, user.ImageURL, user.Role,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE clerk_id = $1`, user.ClerkID))
		if err != nil {
			return models.User{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return models.User{}, false, err
	}

	if signup != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO credit_transactions (user_id, amount, type, description)
			VALUES ($1, $2, $3, $4)`,
			created.ID, signup.Amount, signup.Type, signup.Description)
		if err != nil {
			return models.User{}, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.User{}, false, err
	}
	return created, true, nil
}

func (s *Store) GetUserByClerkID(ctx context.Context, clerkID string) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE clerk_id = $1`, clerkID))
	return u, notFound(err)
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, notFound(err)
}

func (s *Store) UpdateUserProfile(ctx context.Context, user models.User) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		UPDATE users
		SET email = $2, username = NULLIF($3, ''), name = NULLIF($4, ''), image_url = NULLIF($5, ''), updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		user.ID, user.Email, user.Username, user.Name, user.ImageURL,
	))
	return u, notFound(err)
}

func (s *Store) SoftDeleteUser(ctx context.Context, clerkID string, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE users SET deleted_at = COALESCE(deleted_at, $2), updated_at = $2
		WHERE clerk_id = $1`, clerkID, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return services.ErrNotFound
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context, page, pageSize int) ([]models.User, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, err
	}
	off, limit := offset(page, pageSize)
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`, limit, off)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"zenverifier/internal/models"
	"zenverifier/internal/services"
)

const idempotencyIndex = "ux_credit_transactions_idempotency"

const transactionColumns = `id, user_id, amount, type, description, COALESCE(idempotency_key, ''),
	COALESCE(file_id, ''), created_at`

func scanTransaction(row pgx.Row) (models.CreditTransaction, error) {
	var t models.CreditTransaction
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description, &t.IdempotencyKey, &t.FileID, &t.CreatedAt)
	return t, err
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertTransaction(ctx context.Context, q queryRower, t models.CreditTransaction) (models.CreditTransaction, error) {
	created, err := scanTransaction(q.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, amount, type, description, idempotency_key, file_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		RETURNING `+transactionColumns,
		t.UserID, t.Amount, t.Type, t.Description, t.IdempotencyKey, t.FileID,
	))
	if isUniqueViolation(err) && constraintOf(err) == idempotencyIndex {
		return models.CreditTransaction{}, services.ErrDuplicateTransaction
	}
	return created, err
}

func (s *Store) InsertCreditTransaction(ctx context.Context, t models.CreditTransaction) (models.CreditTransaction, error) {
	return insertTransaction(ctx, s.pool, t)
}

func (s *Store) GetCreditTransactionByKey(ctx context.Context, userID int64, key string) (models.CreditTransaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM credit_transactions
		WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
	return t, notFound(err)
}

func (s *Store) SumCredits(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1`, userID).Scan(&sum)
	return sum, err
}

func (s *Store) ListCreditTransactions(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []models.CreditTransaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// lockUser serialises balance changes of one user for the rest of tx.
func lockUser(ctx context.Context, tx pgx.Tx, userID int64) error {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	return notFound(err)
}

// RecordUsageDebit checks the balance, writes the debit and the usage row in
// one transaction under the user's row lock.
func (s *Store) RecordUsageDebit(ctx context.Context, d services.UsageDebit) (services.UsageResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return services.UsageResult{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockUser(ctx, tx, d.UserID); err != nil {
		return services.UsageResult{}, err
	}
	var balance int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1`, d.UserID).Scan(&balance); err != nil {
		return services.UsageResult{}, err
	}
	if balance < int64(d.Amount) {
		return services.UsageResult{}, services.ErrInsufficientCredits
	}

	var res services.UsageResult
	if d.Amount > 0 {
		debit, err := insertTransaction(ctx, tx, models.CreditTransaction{
			UserID:      d.UserID,
			Amount:      -d.Amount,
			Type:        d.Type,
			Description: d.Description,
			FileID:      d.FileID,
		})
		if err != nil {
			return services.UsageResult{}, err
		}
		res.Transaction = &debit
		balance -= int64(d.Amount)
	}

	if d.Verification != nil {
		v := *d.Verification
		v.UserID = d.UserID
		err := tx.QueryRow(ctx, `
			INSERT INTO verification_history (user_id, email, result, result_code, quality, sub_result, free, role,
				did_you_mean, credits_used, execution_time, error, livemode)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id, created_at`,
			v.UserID, v.Email, v.Result, v.ResultCode, v.Quality, v.SubResult, v.Free, v.Role,
			v.DidYouMean, v.CreditsUsed, v.ExecutionTime, v.Error, v.Livemode,
		).Scan(&v.ID, &v.CreatedAt)
		if err != nil {
			return services.UsageResult{}, err
		}
		res.Verification = &v
	}

	if d.BulkJob != nil {
		j := *d.BulkJob
		j.UserID = d.UserID
		created, err := insertBulkJob(ctx, tx, j)
		if isUniqueViolation(err) {
			return services.UsageResult{}, fmt.Errorf("%w: bulk job %s already recorded", services.ErrInvalidRequest, j.FileID)
		}
		if err != nil {
			return services.UsageResult{}, err
		}
		res.BulkJob = &created
	}

	if err := tx.Commit(ctx); err != nil {
		return services.UsageResult{}, err
	}
	res.Balance = max(balance, 0)
	return res, nil
}

// SettleBulkJob books the settlement entry and marks the job settled. The
// job row lock makes concurrent settlements of one job apply once.
func (s *Store) SettleBulkJob(ctx context.Context, st services.BulkSettlement) (models.BulkJob, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.BulkJob{}, false, err
	}
	defer tx.Rollback(ctx)

	job, err := scanBulkJob(tx.QueryRow(ctx, `
		SELECT `+bulkJobColumns+` FROM bulk_jobs
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`, st.JobID, st.UserID))
	if err != nil {
		return models.BulkJob{}, false, notFound(err)
	}
	if job.SettledAt != nil {
		return job, false, nil
	}

	if st.Adjustment != 0 {
		_, err := tx.Exec(ctx, `
			INSERT INTO credit_transactions (user_id, amount, type, description, idempotency_key, file_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
			st.UserID, st.Adjustment, models.TxBulkVerification, st.Description, services.SettleKey(st.FileID), st.FileID)
		if err != nil {
			return models.BulkJob{}, false, err
		}
	}

	job, err = scanBulkJob(tx.QueryRow(ctx, `
		UPDATE bulk_jobs SET settled_at = $2, updated_at = $2
		WHERE id = $1
		RETURNING `+bulkJobColumns, st.JobID, st.At))
	if err != nil {
		return models.BulkJob{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.BulkJob{}, false, err
	}
	return job, true, nil
}

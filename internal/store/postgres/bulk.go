package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"zenverifier/internal/models"
	"zenverifier/internal/services"
)

const bulkJobColumns = `id, user_id, file_id, file_name, status, total_rows, unique_emails, verified, percent,
	ok_count, catch_all_count, disposable_count, invalid_count, unknown_count, reverify_count, credit,
	estimated_time_sec, error_message, reserved_credits, settled_at, created_at, updated_at`

func scanBulkJob(row pgx.Row) (models.BulkJob, error) {
	var j models.BulkJob
	err := row.Scan(&j.ID, &j.UserID, &j.FileID, &j.FileName, &j.Status, &j.TotalRows, &j.UniqueEmails, &j.Verified, &j.Percent,
		&j.OkCount, &j.CatchAllCount, &j.DisposableCount, &j.InvalidCount, &j.UnknownCount, &j.ReverifyCount, &j.Credit,
		&j.EstimatedTimeSec, &j.ErrorMessage, &j.ReservedCredits, &j.SettledAt, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func insertBulkJob(ctx context.Context, q queryRower, j models.BulkJob) (models.BulkJob, error) {
	return scanBulkJob(q.QueryRow(ctx, `
		INSERT INTO bulk_jobs (user_id, file_id, file_name, status, total_rows, unique_emails, verified, percent,
			ok_count, catch_all_count, disposable_count, invalid_count, unknown_count, reverify_count, credit,
			estimated_time_sec, error_message, reserved_credits)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING `+bulkJobColumns,
		j.UserID, j.FileID, j.FileName, j.Status, j.TotalRows, j.UniqueEmails, j.Verified, j.Percent,
		j.OkCount, j.CatchAllCount, j.DisposableCount, j.InvalidCount, j.UnknownCount, j.ReverifyCount, j.Credit,
		j.EstimatedTimeSec, j.ErrorMessage, j.ReservedCredits,
	))
}

func (s *Store) GetBulkJob(ctx context.Context, userID int64, fileID string) (models.BulkJob, error) {
	j, err := scanBulkJob(s.pool.QueryRow(ctx, `
		SELECT `+bulkJobColumns+` FROM bulk_jobs
		WHERE user_id = $1 AND file_id = $2`, userID, fileID))
	return j, notFound(err)
}

func (s *Store) ListBulkJobs(ctx context.Context, userID int64) ([]models.BulkJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bulkJobColumns+` FROM bulk_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.BulkJob{}
	for rows.Next() {
		j, err := scanBulkJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateBulkJob stores provider-reported state. reserved_credits and
// settled_at are only written by RecordUsageDebit and SettleBulkJob.
func (s *Store) UpdateBulkJob(ctx context.Context, j models.BulkJob) (models.BulkJob, error) {
	updated, err := scanBulkJob(s.pool.QueryRow(ctx, `
		UPDATE bulk_jobs
		SET file_name = $2, status = $3, total_rows = $4, unique_emails = $5, verified = $6, percent = $7,
			ok_count = $8, catch_all_count = $9, disposable_count = $10, invalid_count = $11, unknown_count = $12,
			reverify_count = $13, credit = $14, estimated_time_sec = $15, error_message = $16, updated_at = NOW()
		WHERE id = $1
		RETURNING `+bulkJobColumns,
		j.ID, j.FileName, j.Status, j.TotalRows, j.UniqueEmails, j.Verified, j.Percent,
		j.OkCount, j.CatchAllCount, j.DisposableCount, j.InvalidCount, j.UnknownCount,
		j.ReverifyCount, j.Credit, j.EstimatedTimeSec, j.ErrorMessage,
	))
	return updated, notFound(err)
}

func (s *Store) DeleteBulkJob(ctx context.Context, userID int64, fileID string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM bulk_jobs WHERE user_id = $1 AND file_id = $2`, userID, fileID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return services.ErrNotFound
	}
	return nil
}

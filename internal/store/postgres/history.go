package postgres

import (
	"context"
	"fmt"
	"strings"

	"zenverifier/internal/models"
	"zenverifier/internal/services"
)

// historyWhere builds the filter clause shared by the page and count queries.
func historyWhere(userID int64, f services.HistoryFilter) (string, []any) {
	conds := []string{"user_id = $1"}
	args := []any{userID}
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Email != "" {
		add("email ILIKE $%d", "%"+escapeLike(f.Email)+"%")
	}
	if f.Result != "" {
		add("result = $%d", f.Result)
	}
	if f.Quality != "" {
		add("quality = $%d", f.Quality)
	}
	if f.DateFrom != nil {
		add("created_at >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("created_at <= $%d", *f.DateTo)
	}
	return strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (s *Store) ListVerificationHistory(ctx context.Context, userID int64, f services.HistoryFilter) ([]models.VerificationHistory, int64, error) {
	where, args := historyWhere(userID, f)

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM verification_history WHERE `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, email, result, result_code, quality, sub_result, free, role, did_you_mean,
			credits_used, execution_time, error, livemode, created_at
		FROM verification_history
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)

	items := []models.VerificationHistory{}
	if err := s.db.SelectContext(ctx, &items, query, append(args, f.Limit, f.Offset())...); err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	return items, total, nil
}

func (s *Store) VerificationStats(ctx context.Context, userID int64) (services.VerificationStats, error) {
	stats := services.VerificationStats{ResultBreakdown: map[string]int64{}}
	err := s.db.QueryRowxContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(credits_used), 0)
		FROM verification_history WHERE user_id = $1`, userID,
	).Scan(&stats.TotalVerifications, &stats.TotalCreditsUsed)
	if err != nil {
		return services.VerificationStats{}, fmt.Errorf("history totals: %w", err)
	}

	var breakdown []struct {
		Result string `db:"result"`
		Count  int64  `db:"count"`
	}
	err = s.db.SelectContext(ctx, &breakdown, `
		SELECT result, COUNT(*) AS count
		FROM verification_history WHERE user_id = $1
		GROUP BY result`, userID)
	if err != nil {
		return services.VerificationStats{}, fmt.Errorf("history breakdown: %w", err)
	}
	for _, b := range breakdown {
		stats.ResultBreakdown[b.Result] = b.Count
	}
	return stats, nil
}

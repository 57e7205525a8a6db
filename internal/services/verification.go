package services

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"zenverifier/internal/models"
	"zenverifier/internal/telemetry"
)

const (
	minVerifyTimeout = 2
	maxVerifyTimeout = 60

	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// VerifySingle checks one address and charges the caller for it. Nothing is
// written when the provider call fails.
func (s *Service) VerifySingle(ctx context.Context, user models.User, email string, timeoutSec int) (models.VerificationHistory, int64, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return models.VerificationHistory{}, 0, fmt.Errorf("%w: invalid email address", ErrInvalidRequest)
	}
	if timeoutSec == 0 {
		timeoutSec = s.config.Credits.DefaultTimeout
	}
	if timeoutSec < minVerifyTimeout || timeoutSec > maxVerifyTimeout {
		return models.VerificationHistory{}, 0, fmt.Errorf("%w: timeout must be between %d and %d seconds", ErrInvalidRequest, minVerifyTimeout, maxVerifyTimeout)
	}
	if s.verifier == nil {
		return models.VerificationHistory{}, 0, ErrVerifierNotConfigured
	}

	cost := s.config.Credits.SingleCheckCost
	balance, err := s.GetBalance(ctx, user.ID)
	if err != nil {
		return models.VerificationHistory{}, 0, err
	}
	if balance < int64(cost) {
		return models.VerificationHistory{}, balance, ErrInsufficientCredits
	}

	ctx, span := telemetry.Start(ctx, tracerScope, "verification.single",
		attribute.Int64("user.id", user.ID),
		attribute.Int("timeout", timeoutSec),
	)
	res, err := s.verifier.VerifyEmail(ctx, email, timeoutSec)
	if err != nil {
		telemetry.End(span, err)
		s.log.Warn("verification failed", zap.Int64("user_id", user.ID), zap.Error(err))
		return models.VerificationHistory{}, 0, upstream(err)
	}

	row := &models.VerificationHistory{
		UserID:        user.ID,
		Email:         email,
		Result:        res.Result,
		ResultCode:    res.ResultCode,
		Quality:       res.Quality,
		SubResult:     res.SubResult,
		Free:          res.Free,
		Role:          res.Role,
		DidYouMean:    res.DidYouMean,
		CreditsUsed:   cost,
		ExecutionTime: res.ExecutionTime,
		Error:         res.Error,
		Livemode:      res.Livemode,
	}
	out, err := s.RecordUsageDebit(ctx, UsageDebit{
		UserID:       user.ID,
		Amount:       cost,
		Type:         models.TxVerification,
		Description:  "Email verification: " + email,
		Verification: row,
	})
	telemetry.End(span, err)
	if err != nil {
		return models.VerificationHistory{}, 0, err
	}
	s.metrics.verifications.WithLabelValues(res.Result).Inc()
	return *out.Verification, out.Balance, nil
}

type HistoryPage struct {
	Items      []models.VerificationHistory `json:"items"`
	Total      int64                        `json:"total"`
	Page       int                          `json:"page"`
	Limit      int                          `json:"limit"`
	TotalPages int64                        `json:"totalPages"`
	Stats      VerificationStats            `json:"stats"`
}

func (s *Service) History(ctx context.Context, userID int64, f HistoryFilter) (HistoryPage, error) {
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Limit == 0 {
		f.Limit = defaultHistoryLimit
	}
	if f.Page < 1 || f.Limit < 1 || f.Limit > maxHistoryLimit {
		return HistoryPage{}, fmt.Errorf("%w: page must be >= 1 and limit between 1 and %d", ErrInvalidRequest, maxHistoryLimit)
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return HistoryPage{}, fmt.Errorf("%w: date_to is before date_from", ErrInvalidRequest)
	}

	items, total, err := s.store.ListVerificationHistory(ctx, userID, f)
	if err != nil {
		return HistoryPage{}, err
	}
	stats, err := s.store.VerificationStats(ctx, userID)
	if err != nil {
		return HistoryPage{}, err
	}
	if items == nil {
		items = []models.VerificationHistory{}
	}
	return HistoryPage{
		Items:      items,
		Total:      total,
		Page:       f.Page,
		Limit:      f.Limit,
		TotalPages: (total + int64(f.Limit) - 1) / int64(f.Limit),
		Stats:      stats,
	}, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"zenverifier/internal/models"
	"zenverifier/internal/telemetry"
)

const tracerScope = "zenverifier/services"

// Grant adds credits to a user's ledger. With an IdempotencyKey at most one
// transaction is ever written for (UserID, IdempotencyKey).
type Grant struct {
	UserID         int64
	Amount         int
	Type           string
	Description    string
	IdempotencyKey string
}

// GrantCredits applies g and reports whether a new transaction was written.
// A repeated key returns the stored transaction unchanged.
func (s *Service) GrantCredits(ctx context.Context, g Grant) (models.CreditTransaction, bool, error) {
	if g.UserID == 0 || g.Amount <= 0 || g.Type == "" {
		return models.CreditTransaction{}, false, ErrInvalidRequest
	}
	ctx, span := telemetry.Start(ctx, tracerScope, "ledger.grant",
		attribute.Int64("user.id", g.UserID),
		attribute.String("credit.type", g.Type),
		attribute.Int("credit.amount", g.Amount),
	)
	tx, applied, err := s.grantCredits(ctx, g)
	telemetry.End(span, err)
	return tx, applied, err
}

func (s *Service) grantCredits(ctx context.Context, g Grant) (models.CreditTransaction, bool, error) {
	if g.IdempotencyKey != "" {
		existing, err := s.store.GetCreditTransactionByKey(ctx, g.UserID, g.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return models.CreditTransaction{}, false, err
		}
	}

	tx, err := s.store.InsertCreditTransaction(ctx, models.CreditTransaction{
		UserID:         g.UserID,
		Amount:         g.Amount,
		Type:           g.Type,
		Description:    g.Description,
		IdempotencyKey: g.IdempotencyKey,
	})
	if errors.Is(err, ErrDuplicateTransaction) {
		// A concurrent delivery won the insert.
		existing, getErr := s.store.GetCreditTransactionByKey(ctx, g.UserID, g.IdempotencyKey)
		if getErr != nil {
			return models.CreditTransaction{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return models.CreditTransaction{}, false, err
	}

	s.metrics.creditsGranted.WithLabelValues(g.Type).Add(float64(g.Amount))
	s.log.Info("credits granted",
		zap.Int64("user_id", g.UserID),
		zap.Int("amount", g.Amount),
		zap.String("type", g.Type),
		zap.String("idempotency_key", g.IdempotencyKey),
	)
	return tx, true, nil
}

// RecordUsageDebit charges a usage and stores its usage row atomically. The
// balance check happens inside the same store transaction.
func (s *Service) RecordUsageDebit(ctx context.Context, d UsageDebit) (UsageResult, error) {
	if d.UserID == 0 || d.Amount < 0 || d.Type == "" {
		return UsageResult{}, ErrInvalidRequest
	}
	if (d.Verification == nil) == (d.BulkJob == nil) {
		return UsageResult{}, fmt.Errorf("%w: exactly one usage record is required", ErrInvalidRequest)
	}
	ctx, span := telemetry.Start(ctx, tracerScope, "ledger.debit",
		attribute.Int64("user.id", d.UserID),
		attribute.String("credit.type", d.Type),
		attribute.Int("credit.amount", d.Amount),
	)
	res, err := s.store.RecordUsageDebit(ctx, d)
	telemetry.End(span, err)
	if err != nil {
		return UsageResult{}, err
	}
	s.metrics.creditsDebited.WithLabelValues(d.Type).Add(float64(d.Amount))
	return res, nil
}

// GetBalance is the sum of the user's ledger, floored at zero.
func (s *Service) GetBalance(ctx context.Context, userID int64) (int64, error) {
	sum, err := s.store.SumCredits(ctx, userID)
	if err != nil {
		return 0, err
	}
	return max(sum, 0), nil
}

// LedgerView is the diagnostic view of a user's credits.
type LedgerView struct {
	UserID        int64                      `json:"userId"`
	Balance       int64                      `json:"balance"`
	RawSum        int64                      `json:"rawSum"`
	Transactions  []models.CreditTransaction `json:"transactions"`
	Subscriptions []models.Subscription      `json:"subscriptions"`
}

func (s *Service) Ledger(ctx context.Context, userID int64, limit int) (LedgerView, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sum, err := s.store.SumCredits(ctx, userID)
	if err != nil {
		return LedgerView{}, err
	}
	txs, err := s.store.ListCreditTransactions(ctx, userID, limit)
	if err != nil {
		return LedgerView{}, err
	}
	subs, err := s.store.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return LedgerView{}, err
	}
	return LedgerView{
		UserID:        userID,
		Balance:       max(sum, 0),
		RawSum:        sum,
		Transactions:  txs,
		Subscriptions: subs,
	}, nil
}

// ManualGrant is an out-of-band test grant made through the internal API.
// Without a caller key every call is a distinct grant.
func (s *Service) ManualGrant(ctx context.Context, userID int64, amount int, description, key string) (models.CreditTransaction, bool, error) {
	if key == "" {
		key = "manual:" + uuid.NewString()
	}
	if description == "" {
		description = "Manual credit grant - " + strconv.Itoa(amount) + " credits"
	}
	return s.GrantCredits(ctx, Grant{
		UserID:         userID,
		Amount:         amount,
		Type:           models.TxTest,
		Description:    description,
		IdempotencyKey: key,
	})
}

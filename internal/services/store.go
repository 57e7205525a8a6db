package services

import (
	"context"
	"time"

	"zenverifier/internal/models"
)

// Store is the persistence contract of the service. Implementations must
// make RecordUsageDebit and SettleBulkJob atomic and must reject a second
// transaction with the same (user, idempotency key) with ErrDuplicateTransaction.
type Store interface {
	Ping(ctx context.Context) error

	// CreateUser inserts the user and, when signup is non-nil, its signup
	// grant in one transaction. An existing user with the same Clerk id is
	// returned with created=false and no grant is written.
	CreateUser(ctx context.Context, user models.User, signup *models.CreditTransaction) (models.User, bool, error)
	GetUserByClerkID(ctx context.Context, clerkID string) (models.User, error)
	GetUserByID(ctx context.Context, id int64) (models.User, error)
	UpdateUserProfile(ctx context.Context, user models.User) (models.User, error)
	SoftDeleteUser(ctx context.Context, clerkID string, at time.Time) error
	ListUsers(ctx context.Context, page, pageSize int) ([]models.User, int64, error)

	CreateOrganization(ctx context.Context, org models.Organization) (models.Organization, error)
	GetOrganizationByOwner(ctx context.Context, ownerID int64) (models.Organization, error)
	GetOrganizationByCustomer(ctx context.Context, customerID string) (models.Organization, error)
	SetOrganizationCustomer(ctx context.Context, orgID int64, customerID string) error
	UpdateOrganizationBillingByCustomer(ctx context.Context, customerID string, b models.OrganizationBilling) error

	UpsertSubscription(ctx context.Context, sub models.Subscription) (models.Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeID string) (models.Subscription, error)
	UpdateSubscriptionState(ctx context.Context, sub models.Subscription) error
	ListSubscriptionsByUser(ctx context.Context, userID int64) ([]models.Subscription, error)

	InsertCreditTransaction(ctx context.Context, tx models.CreditTransaction) (models.CreditTransaction, error)
	GetCreditTransactionByKey(ctx context.Context, userID int64, key string) (models.CreditTransaction, error)
	SumCredits(ctx context.Context, userID int64) (int64, error)
	ListCreditTransactions(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error)
	RecordUsageDebit(ctx context.Context, debit UsageDebit) (UsageResult, error)

	ListVerificationHistory(ctx context.Context, userID int64, filter HistoryFilter) ([]models.VerificationHistory, int64, error)
	VerificationStats(ctx context.Context, userID int64) (VerificationStats, error)

	GetBulkJob(ctx context.Context, userID int64, fileID string) (models.BulkJob, error)
	ListBulkJobs(ctx context.Context, userID int64) ([]models.BulkJob, error)
	UpdateBulkJob(ctx context.Context, job models.BulkJob) (models.BulkJob, error)
	DeleteBulkJob(ctx context.Context, userID int64, fileID string) error
	SettleBulkJob(ctx context.Context, s BulkSettlement) (models.BulkJob, bool, error)

	// RecordBillingEvent stores an inbound event. A redelivery of a stored
	// (provider, event id) returns the stored row with created=false.
	RecordBillingEvent(ctx context.Context, evt models.BillingEvent) (models.BillingEvent, bool, error)
	MarkBillingEventProcessed(ctx context.Context, id int64, processingError string, at time.Time) error
	GetBillingEvent(ctx context.Context, id int64) (models.BillingEvent, error)
	ListBillingEvents(ctx context.Context, page, pageSize int) ([]models.BillingEvent, int64, error)

	CreateAPIKey(ctx context.Context, key models.APIKey) (models.APIKey, error)
	ListAPIKeys(ctx context.Context, userID int64) ([]models.APIKey, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (models.APIKey, error)
	RevokeAPIKey(ctx context.Context, userID, keyID int64, at time.Time) error
	TouchAPIKey(ctx context.Context, keyID int64, at time.Time) error
}

// UsageDebit charges Amount credits and records exactly one usage row,
// Verification or BulkJob, in the same transaction. Amount 0 records the
// usage row alone.
type UsageDebit struct {
	UserID       int64
	Amount       int
	Type         string
	Description  string
	FileID       string
	Verification *models.VerificationHistory
	BulkJob      *models.BulkJob
}

type UsageResult struct {
	Transaction  *models.CreditTransaction
	Verification *models.VerificationHistory
	BulkJob      *models.BulkJob
	Balance      int64
}

// BulkSettlement books the difference between a job's reserved credits and
// its final cost. Adjustment is signed: positive refunds, negative charges.
type BulkSettlement struct {
	JobID       int64
	UserID      int64
	FileID      string
	Adjustment  int
	Description string
	At          time.Time
}

type HistoryFilter struct {
	Page     int
	Limit    int
	Email    string
	Result   string
	Quality  string
	DateFrom *time.Time
	DateTo   *time.Time
}

func (f HistoryFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

type VerificationStats struct {
	TotalVerifications int64            `json:"totalVerifications"`
	TotalCreditsUsed   int64            `json:"totalCreditsUsed"`
	ResultBreakdown    map[string]int64 `json:"resultBreakdown"`
}

// SettleKey is the idempotency key of a bulk job's settlement entry.
func SettleKey(fileID string) string {
	return "bulk_settle:" + fileID
}

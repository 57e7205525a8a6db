package models

import "time"

type User struct {
	ID        int64      `json:"id"`
	ClerkID   string     `json:"clerkId"`
	Email     string     `json:"email"`
	Username  string     `json:"username,omitempty"`
	Name      string     `json:"name,omitempty"`
	ImageURL  string     `json:"imageUrl,omitempty"`
	Role      string     `json:"role"`
	DeletedAt *time.Time `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Profile carries the identity-provider fields copied onto a User.
type Profile struct {
	Email     string
	Username  string
	FirstName string
	LastName  string
	ImageURL  string
}

type Organization struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	Slug                 string    `json:"slug"`
	OwnerID              int64     `json:"ownerId"`
	StripeCustomerID     string    `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId,omitempty"`
	StripePriceID        string    `json:"stripePriceId,omitempty"`
	StripeStatus         string    `json:"stripeStatus,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// OrganizationBilling is the cached subscription state kept on an Organization.
type OrganizationBilling struct {
	SubscriptionID string
	PriceID        string
	Status         string
}

type Subscription struct {
	ID                   int64      `json:"id"`
	UserID               int64      `json:"userId"`
	OrganizationID       *int64     `json:"organizationId,omitempty"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId"`
	StripeCustomerID     string     `json:"stripeCustomerId"`
	StripePriceID        string     `json:"stripePriceId"`
	Status               string     `json:"status"`
	PackageID            string     `json:"packageId,omitempty"`
	Credits              int        `json:"credits"`
	CurrentPeriodStart   *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAt             *time.Time `json:"cancelAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

type CreditTransaction struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"userId"`
	Amount         int       `json:"amount"`
	Type           string    `json:"type"`
	Description    string    `json:"description"`
	IdempotencyKey string    `json:"stripePaymentIntentId,omitempty"`
	FileID         string    `json:"millionverifierFileId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type VerificationHistory struct {
	ID            int64     `json:"id" db:"id"`
	UserID        int64     `json:"-" db:"user_id"`
	Email         string    `json:"email" db:"email"`
	Result        string    `json:"result" db:"result"`
	ResultCode    int       `json:"resultcode" db:"result_code"`
	Quality       string    `json:"quality,omitempty" db:"quality"`
	SubResult     string    `json:"subresult,omitempty" db:"sub_result"`
	Free          bool      `json:"free" db:"free"`
	Role          bool      `json:"role" db:"role"`
	DidYouMean    string    `json:"didyoumean,omitempty" db:"did_you_mean"`
	CreditsUsed   int       `json:"creditsUsed" db:"credits_used"`
	ExecutionTime float64   `json:"executionTime" db:"execution_time"`
	Error         string    `json:"error,omitempty" db:"error"`
	Livemode      bool      `json:"livemode" db:"livemode"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

type BulkJob struct {
	ID               int64      `json:"id"`
	UserID           int64      `json:"-"`
	FileID           string     `json:"fileId"`
	FileName         string     `json:"fileName"`
	Status           string     `json:"status"`
	TotalRows        int        `json:"totalRows"`
	UniqueEmails     int        `json:"uniqueEmails"`
	Verified         int        `json:"verified"`
	Percent          int        `json:"percent"`
	OkCount          int        `json:"okCount"`
	CatchAllCount    int        `json:"catchAllCount"`
	DisposableCount  int        `json:"disposableCount"`
	InvalidCount     int        `json:"invalidCount"`
	UnknownCount     int        `json:"unknownCount"`
	ReverifyCount    int        `json:"reverifyCount"`
	Credit           int        `json:"credit"`
	EstimatedTimeSec int        `json:"estimatedTimeSec"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	ReservedCredits  int        `json:"reservedCredits"`
	SettledAt        *time.Time `json:"settledAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Terminal reports whether the provider will not process the file any further.
func (j BulkJob) Terminal() bool {
	switch j.Status {
	case BulkStatusFinished, BulkStatusCanceled, BulkStatusError:
		return true
	}
	return false
}

type BillingEvent struct {
	ID              int64      `json:"id"`
	Provider        string     `json:"provider"`
	EventID         string     `json:"eventId"`
	EventType       string     `json:"eventType"`
	Payload         []byte     `json:"-"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
	ProcessingError string     `json:"processingError,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

type APIKey struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"userId"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"keyPrefix"`
	KeyHash    string     `json:"-"`
	Status     string     `json:"status"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"
)

const (
	TxFreeSignup          = "free_signup"
	TxPurchase            = "purchase"
	TxSubscription        = "subscription"
	TxSubscriptionRenewal = "subscription_renewal"
	TxVerification        = "verification"
	TxBulkVerification    = "bulk_verification"
	TxTest                = "test"
)

const (
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
)

const (
	BulkStatusInQueue    = "in_queue_to_start"
	BulkStatusInProgress = "in_progress"
	BulkStatusFinished   = "finished"
	BulkStatusCanceled   = "canceled"
	BulkStatusError      = "error"
)

const (
	APIKeyStatusActive  = "active"
	APIKeyStatusRevoked = "revoked"
)

const ProviderStripe = "stripe"

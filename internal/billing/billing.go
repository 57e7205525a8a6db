package billing

import (
	"errors"
	"fmt"
	"time"
)

// Event types the reconciler acts on.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// BillingReasonSubscriptionCreate marks the first invoice of a subscription.
const BillingReasonSubscriptionCreate = "subscription_create"

const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"
)

// Metadata keys written on checkout sessions and subscriptions and echoed back on events.
const (
	MetaUserID         = "userId"
	MetaOrganizationID = "organizationId"
	MetaPackageID      = "packageId"
	MetaCredits        = "credits"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrNoSubscription   = errors.New("no subscription for customer")
)

// Event is a verified billing webhook delivery. Exactly one of the object
// fields is set for the event types listed above.
type Event struct {
	ID       string
	Type     string
	Livemode bool
	Created  time.Time
	Payload  []byte

	Checkout     *CheckoutSession
	Invoice      *Invoice
	Subscription *Subscription
}

type CheckoutSession struct {
	ID              string
	Mode            string
	CustomerID      string
	PaymentIntentID string
	SubscriptionID  string
	Metadata        map[string]string
}

type Invoice struct {
	ID               string    `json:"id"`
	Number           string    `json:"number,omitempty"`
	Status           string    `json:"status"`
	CustomerID       string    `json:"customerId"`
	SubscriptionID   string    `json:"subscriptionId,omitempty"`
	PaymentIntentID  string    `json:"-"`
	BillingReason    string    `json:"billingReason,omitempty"`
	AmountDue        int64     `json:"amountDue"`
	AmountPaid       int64     `json:"amountPaid"`
	Currency         string    `json:"currency"`
	HostedInvoiceURL string    `json:"hostedInvoiceUrl,omitempty"`
	InvoicePDF       string    `json:"invoicePdf,omitempty"`
	Created          time.Time `json:"created"`
}

type Subscription struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customerId"`
	PriceID            string            `json:"priceId"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CurrentPeriodStart *time.Time        `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time        `json:"currentPeriodEnd,omitempty"`
	CancelAt           *time.Time        `json:"cancelAt,omitempty"`
	CancelAtPeriodEnd  bool              `json:"cancelAtPeriodEnd"`
}

type PaymentMethod struct {
	ID       string `json:"id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int64  `json:"expMonth"`
	ExpYear  int64  `json:"expYear"`
}

type CustomerParams struct {
	OrganizationID int64
	UserID         int64
	Email          string
	Name           string
}

type CheckoutParams struct {
	CustomerID  string
	Mode        string
	ProductName string
	AmountCents int64
	Interval    string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

type CheckoutResult struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// Error is a failed call to the billing provider.
type Error struct {
	Op         string
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("billing %s: %s - %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("billing %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"zenverifier/internal/billing"
	"zenverifier/internal/config"
	"zenverifier/internal/identity"
	"zenverifier/internal/models"
	"zenverifier/internal/verifier"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrForbidden             = errors.New("forbidden")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrDuplicateTransaction  = errors.New("transaction already recorded")
	ErrCustomerAlreadySet    = errors.New("organization already has a billing customer")
	ErrSlugTaken             = errors.New("organization slug already taken")
	ErrUpstream              = errors.New("upstream provider error")
	ErrBillingNotConfigured  = errors.New("billing provider not configured")
	ErrVerifierNotConfigured = errors.New("verification provider not configured")

	// ErrUserDeleted is returned for a soft-deleted account. It also matches
	// ErrUnauthenticated.
	ErrUserDeleted = fmt.Errorf("%w: user deleted", ErrUnauthenticated)
)

// BillingProvider is the subset of the Stripe API the service calls.
type BillingProvider interface {
	CreateCustomer(ctx context.Context, p billing.CustomerParams) (string, error)
	CreateCheckoutSession(ctx context.Context, p billing.CheckoutParams) (billing.CheckoutResult, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, id string) (billing.Subscription, error)
	LatestSubscription(ctx context.Context, customerID string) (billing.Subscription, error)
	ListInvoices(ctx context.Context, customerID string, limit int) ([]billing.Invoice, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]billing.PaymentMethod, error)
	Ping(ctx context.Context) error
}

type VerificationProvider interface {
	VerifyEmail(ctx context.Context, email string, timeoutSec int) (verifier.Result, error)
	UploadFile(ctx context.Context, fileName string, contents []byte) (verifier.FileInfo, error)
	FileInfo(ctx context.Context, fileID string) (verifier.FileInfo, error)
	Download(ctx context.Context, fileID string, opts verifier.DownloadOptions) (io.ReadCloser, error)
	Stop(ctx context.Context, fileID string) error
	Delete(ctx context.Context, fileID string) error
	Credits(ctx context.Context) (verifier.Credits, error)
}

type IdentityProvider interface {
	GetUser(ctx context.Context, userID string) (identity.User, error)
}

type Notifier interface {
	BulkJobFinished(ctx context.Context, user models.User, job models.BulkJob) error
}

// Deps are the collaborators of a Service. Billing, Verifier and Identity may
// be nil when the provider is not configured; the operations that need them
// then fail with the matching not-configured error.
type Deps struct {
	Store    Store
	Billing  BillingProvider
	Verifier VerificationProvider
	Identity IdentityProvider
	Notifier Notifier
	Metrics  *Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

type Service struct {
	store    Store
	billing  BillingProvider
	verifier VerificationProvider
	identity IdentityProvider
	notifier Notifier
	metrics  *Metrics
	config   config.Config
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		store:    deps.Store,
		billing:  deps.Billing,
		verifier: deps.Verifier,
		identity: deps.Identity,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		config:   cfg,
		log:      deps.Logger,
		now:      deps.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.notifier == nil {
		s.notifier = noopNotifier{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Ping checks the primary store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type noopNotifier struct{}

func (noopNotifier) BulkJobFinished(context.Context, models.User, models.BulkJob) error { return nil }

// upstream marks err as a provider failure while keeping its typed detail.
func upstream(err error) error {
	if err == nil || errors.Is(err, ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}

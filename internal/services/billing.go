package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"zenverifier/internal/billing"
	"zenverifier/internal/config"
	"zenverifier/internal/models"
)

const invoiceListLimit = 10

func (s *Service) Packages() []config.PackageConfig {
	return s.config.Credits.Packages
}

// CreateCheckout opens a hosted checkout for a credit package. Mode is
// "subscription" unless the caller asks for a one-time "payment".
func (s *Service) CreateCheckout(ctx context.Context, user models.User, packageID, mode string) (billing.CheckoutResult, error) {
	pkg, ok := s.config.Package(packageID)
	if !ok {
		return billing.CheckoutResult{}, fmt.Errorf("%w: unknown package %q", ErrInvalidRequest, packageID)
	}
	switch mode {
	case "":
		mode = billing.ModeSubscription
	case billing.ModeSubscription, billing.ModePayment:
	default:
		return billing.CheckoutResult{}, fmt.Errorf("%w: unknown checkout mode %q", ErrInvalidRequest, mode)
	}
	if s.billing == nil {
		return billing.CheckoutResult{}, ErrBillingNotConfigured
	}

	org, err := s.EnsureOrganization(ctx, user)
	if err != nil {
		return billing.CheckoutResult{}, err
	}
	customerID, err := s.ensureCustomer(ctx, user, org)
	if err != nil {
		return billing.CheckoutResult{}, err
	}

	base := strings.TrimRight(s.config.App.PublicURL, "/")
	res, err := s.billing.CreateCheckoutSession(ctx, billing.CheckoutParams{
		CustomerID:  customerID,
		Mode:        mode,
		ProductName: formatThousands(pkg.Credits) + " Email Verification Credits",
		AmountCents: pkg.PriceCents,
		Interval:    pkg.Interval,
		SuccessURL:  base + "/dashboard/billing?success=true&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   base + "/dashboard/billing?canceled=true",
		Metadata: map[string]string{
			billing.MetaUserID:         strconv.FormatInt(user.ID, 10),
			billing.MetaOrganizationID: strconv.FormatInt(org.ID, 10),
			billing.MetaPackageID:      pkg.ID,
			billing.MetaCredits:        strconv.Itoa(pkg.Credits),
		},
	})
	if err != nil {
		return billing.CheckoutResult{}, upstream(err)
	}
	s.log.Info("checkout session created",
		zap.Int64("user_id", user.ID),
		zap.String("package_id", pkg.ID),
		zap.String("mode", mode),
		zap.String("session_id", res.ID),
	)
	return res, nil
}

// ensureCustomer returns the organization's billing customer, creating it on
// first use. The stored id is write-once: if another request set it first,
// that id wins.
func (s *Service) ensureCustomer(ctx context.Context, user models.User, org models.Organization) (string, error) {
	if org.StripeCustomerID != "" {
		return org.StripeCustomerID, nil
	}
	customerID, err := s.billing.CreateCustomer(ctx, billing.CustomerParams{
		OrganizationID: org.ID,
		UserID:         user.ID,
		Email:          user.Email,
		Name:           org.Name,
	})
	if err != nil {
		return "", upstream(err)
	}
	err = s.store.SetOrganizationCustomer(ctx, org.ID, customerID)
	if errors.Is(err, ErrCustomerAlreadySet) {
		current, getErr := s.store.GetOrganizationByOwner(ctx, user.ID)
		if getErr != nil {
			return "", getErr
		}
		return current.StripeCustomerID, nil
	}
	if err != nil {
		return "", err
	}
	return customerID, nil
}

func (s *Service) CreatePortal(ctx context.Context, user models.User) (string, error) {
	if s.billing == nil {
		return "", ErrBillingNotConfigured
	}
	org, err := s.EnsureOrganization(ctx, user)
	if err != nil {
		return "", err
	}
	customerID, err := s.ensureCustomer(ctx, user, org)
	if err != nil {
		return "", err
	}
	url, err := s.billing.CreatePortalSession(ctx, customerID, strings.TrimRight(s.config.App.PublicURL, "/")+"/dashboard/billing")
	if err != nil {
		return "", upstream(err)
	}
	return url, nil
}

// ListInvoices returns the latest invoices. A user without a customer has none.
func (s *Service) ListInvoices(ctx context.Context, user models.User) ([]billing.Invoice, error) {
	customerID, err := s.customerOf(ctx, user)
	if err != nil || customerID == "" {
		return []billing.Invoice{}, err
	}
	invoices, err := s.billing.ListInvoices(ctx, customerID, invoiceListLimit)
	if err != nil {
		return nil, upstream(err)
	}
	return invoices, nil
}

func (s *Service) ListPaymentMethods(ctx context.Context, user models.User) ([]billing.PaymentMethod, error) {
	customerID, err := s.customerOf(ctx, user)
	if err != nil || customerID == "" {
		return []billing.PaymentMethod{}, err
	}
	methods, err := s.billing.ListPaymentMethods(ctx, customerID)
	if err != nil {
		return nil, upstream(err)
	}
	return methods, nil
}

// CurrentSubscription returns the customer's latest subscription, or nil.
func (s *Service) CurrentSubscription(ctx context.Context, user models.User) (*billing.Subscription, error) {
	customerID, err := s.customerOf(ctx, user)
	if err != nil || customerID == "" {
		return nil, err
	}
	sub, err := s.billing.LatestSubscription(ctx, customerID)
	if errors.Is(err, billing.ErrNoSubscription) {
		return nil, nil
	}
	if err != nil {
		return nil, upstream(err)
	}
	return &sub, nil
}

func (s *Service) customerOf(ctx context.Context, user models.User) (string, error) {
	if s.billing == nil {
		return "", ErrBillingNotConfigured
	}
	org, err := s.store.GetOrganizationByOwner(ctx, user.ID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return org.StripeCustomerID, nil
}

// ConfigReport is the billing diagnostics view.
type ConfigReport struct {
	StripeSecretKey      bool   `json:"stripeSecretKey"`
	StripePublishableKey bool   `json:"stripePublishableKey"`
	StripeWebhookSecret  bool   `json:"stripeWebhookSecret"`
	StripeMode           string `json:"stripeMode"`
	StripeReachable      bool   `json:"stripeReachable"`
	StripeError          string `json:"stripeError,omitempty"`
	Database             bool   `json:"database"`
	DatabaseError        string `json:"databaseError,omitempty"`
	VerifierReachable    bool   `json:"verifierReachable"`
	VerifierCredits      int    `json:"verifierCredits"`
	VerifierError        string `json:"verifierError,omitempty"`
	PublicURL            string `json:"publicUrl"`
	HasOrganization      bool   `json:"hasOrganization"`
	StripeCustomerID     string `json:"stripeCustomerId,omitempty"`
	SubscriptionStatus   string `json:"subscriptionStatus,omitempty"`
	Balance              int64  `json:"balance"`
}

func (s *Service) CheckConfig(ctx context.Context, user models.User) ConfigReport {
	r := ConfigReport{
		StripeSecretKey:      s.config.Stripe.SecretKey != "",
		StripePublishableKey: s.config.Stripe.PublishableKey != "",
		StripeWebhookSecret:  s.config.Stripe.WebhookSecret != "",
		StripeMode:           s.config.Stripe.Mode(),
		PublicURL:            s.config.App.PublicURL,
	}
	if s.billing != nil {
		if err := s.billing.Ping(ctx); err != nil {
			r.StripeError = err.Error()
		} else {
			r.StripeReachable = true
		}
	} else {
		r.StripeError = ErrBillingNotConfigured.Error()
	}
	if s.verifier != nil {
		if credits, err := s.verifier.Credits(ctx); err != nil {
			r.VerifierError = err.Error()
		} else {
			r.VerifierReachable = true
			r.VerifierCredits = credits.Credits
		}
	} else {
		r.VerifierError = ErrVerifierNotConfigured.Error()
	}
	if err := s.store.Ping(ctx); err != nil {
		r.DatabaseError = err.Error()
		return r
	}
	r.Database = true

	if org, err := s.store.GetOrganizationByOwner(ctx, user.ID); err == nil {
		r.HasOrganization = true
		r.StripeCustomerID = org.StripeCustomerID
		r.SubscriptionStatus = org.StripeStatus
	}
	if balance, err := s.GetBalance(ctx, user.ID); err == nil {
		r.Balance = balance
	}
	return r
}

// formatThousands renders n with comma separators, e.g. 10000 -> "10,000".
func formatThousands(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

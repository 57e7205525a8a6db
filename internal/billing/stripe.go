package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

type StripeOptions struct {
	SecretKey string
	Currency  string
	// APIURL overrides the Stripe API host. Empty means the live endpoint.
	APIURL string
}

type StripeClient struct {
	api      *client.API
	currency string
	log      *zap.Logger
}

func NewStripeClient(opts StripeOptions, log *zap.Logger) *StripeClient {
	var backends *stripe.Backends
	if opts.APIURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(opts.APIURL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}
	currency := opts.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeClient{
		api:      client.New(opts.SecretKey, backends),
		currency: currency,
		log:      log.Named("stripe"),
	}
}

// CreateCustomer creates the Stripe customer for an organization. The
// idempotency key is derived from the organization id so a retried call
// cannot mint a second customer.
func (c *StripeClient) CreateCustomer(ctx context.Context, p CustomerParams) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(p.Email),
		Name:  stripe.String(p.Name),
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("customer-org-%d", p.OrganizationID))
	params.AddMetadata(MetaOrganizationID, strconv.FormatInt(p.OrganizationID, 10))
	params.AddMetadata(MetaUserID, strconv.FormatInt(p.UserID, 10))

	cus, err := c.api.Customers.New(params)
	if err != nil {
		return "", c.wrap("create_customer", err)
	}
	return cus.ID, nil
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (CheckoutResult, error) {
	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(c.currency),
		UnitAmount: stripe.Int64(p.AmountCents),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(p.ProductName),
		},
	}
	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(p.CustomerID),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		Metadata:   p.Metadata,
	}
	params.Context = ctx

	switch p.Mode {
	case ModeSubscription:
		interval := p.Interval
		if interval == "" {
			interval = string(stripe.PriceRecurringIntervalMonth)
		}
		priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(interval),
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: p.Metadata,
		}
	case ModePayment:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: p.Metadata,
		}
	default:
		return CheckoutResult{}, fmt.Errorf("unsupported checkout mode %q", p.Mode)
	}
	params.LineItems = []*stripe.CheckoutSessionLineItemParams{
		{PriceData: priceData, Quantity: stripe.Int64(1)},
	}

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutResult{}, c.wrap("create_checkout_session", err)
	}
	return CheckoutResult{ID: sess.ID, URL: sess.URL}, nil
}

func (c *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", c.wrap("create_portal_session", err)
	}
	return sess.URL, nil
}

func (c *StripeClient) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(id, params)
	if err != nil {
		return Subscription{}, c.wrap("get_subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

// LatestSubscription returns the newest subscription of the customer in any
// status, or ErrNoSubscription.
func (c *StripeClient) LatestSubscription(ctx context.Context, customerID string) (Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := c.api.Subscriptions.List(params)
	if iter.Next() {
		return fromStripeSubscription(iter.Subscription()), nil
	}
	if err := iter.Err(); err != nil {
		return Subscription{}, c.wrap("list_subscriptions", err)
	}
	return Subscription{}, ErrNoSubscription
}

func (c *StripeClient) ListInvoices(ctx context.Context, customerID string, limit int) ([]Invoice, error) {
	params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(limit))

	invoices := make([]Invoice, 0, limit)
	iter := c.api.Invoices.List(params)
	for iter.Next() {
		invoices = append(invoices, fromStripeInvoice(iter.Invoice()))
		if len(invoices) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, c.wrap("list_invoices", err)
	}
	return invoices, nil
}

func (c *StripeClient) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx

	var methods []PaymentMethod
	iter := c.api.PaymentMethods.List(params)
	for iter.Next() {
		pm := iter.PaymentMethod()
		method := PaymentMethod{ID: pm.ID}
		if pm.Card != nil {
			method.Brand = string(pm.Card.Brand)
			method.Last4 = pm.Card.Last4
			method.ExpMonth = pm.Card.ExpMonth
			method.ExpYear = pm.Card.ExpYear
		}
		methods = append(methods, method)
	}
	if err := iter.Err(); err != nil {
		return nil, c.wrap("list_payment_methods", err)
	}
	return methods, nil
}

// Ping checks the API key by reading the account balance.
func (c *StripeClient) Ping(ctx context.Context) error {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	if _, err := c.api.Balance.Get(params); err != nil {
		return c.wrap("ping", err)
	}
	return nil
}

func (c *StripeClient) wrap(op string, err error) error {
	out := &Error{Op: op, Err: err}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		out.Code = string(stripeErr.Code)
		out.Message = stripeErr.Msg
		out.HTTPStatus = stripeErr.HTTPStatusCode
		c.log.Error("stripe api error",
			zap.String("op", op),
			zap.String("type", string(stripeErr.Type)),
			zap.String("code", string(stripeErr.Code)),
			zap.String("message", stripeErr.Msg),
			zap.String("param", stripeErr.Param),
		)
		return out
	}
	c.log.Error("stripe request failed", zap.String("op", op), zap.Error(err))
	return out
}

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"zenverifier/internal/models"
	"zenverifier/internal/services"
)

const organizationColumns = `id, name, slug, owner_id, COALESCE(stripe_customer_id, ''),
	COALESCE(stripe_subscription_id, ''), COALESCE(stripe_price_id, ''), COALESCE(stripe_status, ''),
	created_at, updated_at`

func scanOrganization(row pgx.Row) (models.Organization, error) {
	var o models.Organization
	err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.OwnerID, &o.StripeCustomerID,
		&o.StripeSubscriptionID, &o.StripePriceID, &o.StripeStatus, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// CreateOrganization returns the owner's existing organization when there is
// one. A slug held by another owner fails with ErrSlugTaken.
func (s *Store) CreateOrganization(ctx context.Context, org models.Organization) (models.Organization, error) {
	created, err := scanOrganization(s.pool.QueryRow(ctx, `
		INSERT INTO organizations (name, slug, owner_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO NOTHING
		RETURNING `+organizationColumns,
		org.Name, org.Slug, org.OwnerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetOrganizationByOwner(ctx, org.OwnerID)
	}
	if isUniqueViolation(err) {
		return models.Organization{}, services.ErrSlugTaken
	}
	return created, err
}

func (s *Store) GetOrganizationByOwner(ctx context.Context, ownerID int64) (models.Organization, error) {
	o, err := scanOrganization(s.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE owner_id = $1`, ownerID))
	return o, notFound(err)
}

func (s *Store) GetOrganizationByCustomer(ctx context.Context, customerID string) (models.Organization, error) {
	o, err := scanOrganization(s.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE stripe_customer_id = $1`, customerID))
	return o, notFound(err)
}

// SetOrganizationCustomer sets the billing customer once. Setting the same id
// again is a no-op; any other id fails with ErrCustomerAlreadySet.
func (s *Store) SetOrganizationCustomer(ctx context.Context, orgID int64, customerID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE organizations SET stripe_customer_id = $2, updated_at = NOW()
		WHERE id = $1 AND stripe_customer_id IS NULL`, orgID, customerID)
	if isUniqueViolation(err) {
		return services.ErrCustomerAlreadySet
	}
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	var current *string
	err = s.pool.QueryRow(ctx, `SELECT stripe_customer_id FROM organizations WHERE id = $1`, orgID).Scan(&current)
	if err != nil {
		return notFound(err)
	}
	if current != nil && *current == customerID {
		return nil
	}
	return services.ErrCustomerAlreadySet
}

func (s *Store) UpdateOrganizationBillingByCustomer(ctx context.Context, customerID string, b models.OrganizationBilling) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE organizations
		SET stripe_subscription_id = COALESCE(NULLIF($2, ''), stripe_subscription_id),
			stripe_price_id = COALESCE(NULLIF($3, ''), stripe_price_id),
			stripe_status = $4,
			updated_at = NOW()
		WHERE stripe_customer_id = $1`,
		customerID, b.SubscriptionID, b.PriceID, b.Status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return services.ErrNotFound
	}
	return nil
}

const subscriptionColumns = `id, user_id, organization_id, stripe_subscription_id, stripe_customer_id,
	stripe_price_id, status, package_id, credits, current_period_start, current_period_end, cancel_at,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.OrganizationID, &sub.StripeSubscriptionID, &sub.StripeCustomerID,
		&sub.StripePriceID, &sub.Status, &sub.PackageID, &sub.Credits, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAt, &sub.CreatedAt, &sub.UpdatedAt)
	return sub, err
}

func (s *Store) UpsertSubscription(ctx context.Context, sub models.Subscription) (models.Subscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, organization_id, stripe_subscription_id, stripe_customer_id,
			stripe_price_id, status, package_id, credits, current_period_start, current_period_end, cancel_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (stripe_subscription_id)
		DO UPDATE SET user_id = EXCLUDED.user_id,
			organization_id = COALESCE(EXCLUDED.organization_id, subscriptions.organization_id),
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_price_id = EXCLUDED.stripe_price_id,
			status = EXCLUDED.status,
			package_id = COALESCE(NULLIF(EXCLUDED.package_id, ''), subscriptions.package_id),
			credits = CASE WHEN EXCLUDED.credits > 0 THEN EXCLUDED.credits ELSE subscriptions.credits END,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at = EXCLUDED.cancel_at,
			updated_at = NOW()
		RETURNING `+subscriptionColumns,
		sub.UserID, sub.OrganizationID, sub.StripeSubscriptionID, sub.StripeCustomerID,
		sub.StripePriceID, sub.Status, sub.PackageID, sub.Credits, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAt,
	))
}

func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeID string) (models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`, stripeID))
	return sub, notFound(err)
}

func (s *Store) UpdateSubscriptionState(ctx context.Context, sub models.Subscription) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET status = $2, stripe_price_id = $3, package_id = $4, credits = $5,
			current_period_start = $6, current_period_end = $7, cancel_at = $8, updated_at = NOW()
		WHERE id = $1`,
		sub.ID, sub.Status, sub.StripePriceID, sub.PackageID, sub.Credits,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return services.ErrNotFound
	}
	return nil
}

func (s *Store) ListSubscriptionsByUser(ctx context.Context, userID int64) ([]models.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1
		ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []models.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

const billingEventColumns = `id, provider, event_id, event_type, payload, processed_at, processing_error, created_at`

func scanBillingEvent(row pgx.Row) (models.BillingEvent, error) {
	var e models.BillingEvent
	err := row.Scan(&e.ID, &e.Provider, &e.EventID, &e.EventType, &e.Payload, &e.ProcessedAt, &e.ProcessingError, &e.CreatedAt)
	return e, err
}

func (s *Store) RecordBillingEvent(ctx context.Context, evt models.BillingEvent) (models.BillingEvent, bool, error) {
	stored, err := scanBillingEvent(s.pool.QueryRow(ctx, `
		INSERT INTO billing_events (provider, event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING `+billingEventColumns,
		evt.Provider, evt.EventID, evt.EventType, evt.Payload,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanBillingEvent(s.pool.QueryRow(ctx, `
			SELECT `+billingEventColumns+` FROM billing_events
			WHERE provider = $1 AND event_id = $2`, evt.Provider, evt.EventID))
		return existing, false, err
	}
	if err != nil {
		return models.BillingEvent{}, false, err
	}
	return stored, true, nil
}

func (s *Store) MarkBillingEventProcessed(ctx context.Context, id int64, processingError string, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE billing_events SET processed_at = $2, processing_error = $3
		WHERE id = $1`, id, at, processingError)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return services.ErrNotFound
	}
	return nil
}

func (s *Store) GetBillingEvent(ctx context.Context, id int64) (models.BillingEvent, error) {
	e, err := scanBillingEvent(s.pool.QueryRow(ctx, `SELECT `+billingEventColumns+` FROM billing_events WHERE id = $1`, id))
	return e, notFound(err)
}

func (s *Store) ListBillingEvents(ctx context.Context, page, pageSize int) ([]models.BillingEvent, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM billing_events`).Scan(&total); err != nil {
		return nil, 0, err
	}
	off, limit := offset(page, pageSize)
	rows, err := s.pool.Query(ctx, `
		SELECT `+billingEventColumns+` FROM billing_events
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`, limit, off)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := []models.BillingEvent{}
	for rows.Next() {
		e, err := scanBillingEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

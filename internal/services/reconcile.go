package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"zenverifier/internal/billing"
	"zenverifier/internal/models"
	"zenverifier/internal/telemetry"
)

// IngestBillingEvent logs a verified delivery and reconciles it. Redeliveries
// of an event that was already processed are acknowledged without running the
// reconciler again. Only a failure to record the event is returned; handling
// errors are kept on the stored row so the provider is not asked to retry.
func (s *Service) IngestBillingEvent(ctx context.Context, evt billing.Event) error {
	stored, created, err := s.store.RecordBillingEvent(ctx, models.BillingEvent{
		Provider:  models.ProviderStripe,
		EventID:   evt.ID,
		EventType: evt.Type,
		Payload:   evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("record billing event: %w", err)
	}
	if !created && stored.ProcessedAt != nil {
		s.metrics.billingEvents.WithLabelValues(evt.Type, outcomeDuplicate).Inc()
		s.log.Info("billing event already processed",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
		)
		return nil
	}
	s.processStoredEvent(ctx, stored.ID, evt)
	return nil
}

// ReplayBillingEvent re-runs a stored event through the reconciler. Grants are
// keyed, so replaying an applied event does not add credits twice.
func (s *Service) ReplayBillingEvent(ctx context.Context, id int64) (models.BillingEvent, error) {
	stored, err := s.store.GetBillingEvent(ctx, id)
	if err != nil {
		return models.BillingEvent{}, err
	}
	evt, err := billing.DecodeEvent(stored.Payload)
	if err != nil {
		return models.BillingEvent{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	s.processStoredEvent(ctx, stored.ID, evt)
	return s.store.GetBillingEvent(ctx, id)
}

func (s *Service) ListBillingEvents(ctx context.Context, page, pageSize int) ([]models.BillingEvent, int64, error) {
	return s.store.ListBillingEvents(ctx, page, pageSize)
}

func (s *Service) processStoredEvent(ctx context.Context, storedID int64, evt billing.Event) {
	var procErr string
	if err := s.ReconcileBillingEvent(ctx, evt); err != nil {
		procErr = err.Error()
		s.metrics.billingEvents.WithLabelValues(evt.Type, outcomeFailed).Inc()
		s.log.Error("billing event failed",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
			zap.Error(err),
		)
	}
	if err := s.store.MarkBillingEventProcessed(ctx, storedID, procErr, s.now()); err != nil {
		s.log.Error("mark billing event processed", zap.Int64("id", storedID), zap.Error(err))
	}
}

// ReconcileBillingEvent applies one billing event to the ledger and the local
// subscription state. Events that cannot be attributed to a user are logged
// and dropped.
func (s *Service) ReconcileBillingEvent(ctx context.Context, evt billing.Event) error {
	ctx, span := telemetry.Start(ctx, tracerScope, "billing.reconcile",
		attribute.String("billing.event_id", evt.ID),
		attribute.String("billing.event_type", evt.Type),
	)
	outcome, err := s.reconcile(ctx, evt)
	telemetry.End(span, err)
	if err == nil {
		s.metrics.billingEvents.WithLabelValues(evt.Type, outcome).Inc()
	}
	return err
}

func (s *Service) reconcile(ctx context.Context, evt billing.Event) (string, error) {
	log := s.log.With(zap.String("event_id", evt.ID), zap.String("event_type", evt.Type))

	switch evt.Type {
	case billing.EventCheckoutCompleted:
		if evt.Checkout == nil {
			return s.drop(log, "checkout session missing")
		}
		return s.onCheckoutCompleted(ctx, log, *evt.Checkout)
	case billing.EventInvoicePaid:
		if evt.Invoice == nil {
			return s.drop(log, "invoice missing")
		}
		return s.onInvoicePaid(ctx, log, *evt.Invoice)
	case billing.EventSubscriptionCreated:
		if evt.Subscription == nil {
			return s.drop(log, "subscription missing")
		}
		return s.onSubscriptionCreated(ctx, log, *evt.Subscription)
	case billing.EventSubscriptionUpdated:
		if evt.Subscription == nil {
			return s.drop(log, "subscription missing")
		}
		return s.onSubscriptionUpdated(ctx, log, *evt.Subscription)
	case billing.EventSubscriptionDeleted:
		if evt.Subscription == nil {
			return s.drop(log, "subscription missing")
		}
		return s.onSubscriptionDeleted(ctx, log, *evt.Subscription)
	default:
		log.Debug("unhandled billing event")
		return outcomeIgnored, nil
	}
}

func (s *Service) drop(log *zap.Logger, reason string, fields ...zap.Field) (string, error) {
	log.Warn("billing event dropped: "+reason, fields...)
	return outcomeDropped, nil
}

func (s *Service) onCheckoutCompleted(ctx context.Context, log *zap.Logger, cs billing.CheckoutSession) (string, error) {
	if cs.Mode != billing.ModePayment {
		// Subscription credits arrive with the first invoice.
		return outcomeIgnored, nil
	}
	userID := metaInt64(cs.Metadata, billing.MetaUserID)
	credits := metaInt(cs.Metadata, billing.MetaCredits)
	if userID == 0 || credits <= 0 || cs.PaymentIntentID == "" {
		return s.drop(log, "checkout metadata incomplete",
			zap.String("session_id", cs.ID),
			zap.Any("metadata", cs.Metadata),
		)
	}
	if _, err := s.store.GetUserByID(ctx, userID); errors.Is(err, ErrNotFound) {
		return s.drop(log, "checkout user unknown", zap.Int64("user_id", userID))
	} else if err != nil {
		return "", err
	}

	_, applied, err := s.GrantCredits(ctx, Grant{
		UserID:         userID,
		Amount:         credits,
		Type:           models.TxPurchase,
		Description:    fmt.Sprintf("Credit purchase - %s credits", formatThousands(credits)),
		IdempotencyKey: cs.PaymentIntentID,
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return outcomeDuplicate, nil
	}
	return outcomeApplied, nil
}

func (s *Service) onInvoicePaid(ctx context.Context, log *zap.Logger, inv billing.Invoice) (string, error) {
	if inv.SubscriptionID == "" {
		return outcomeIgnored, nil
	}
	if s.billing == nil {
		return "", ErrBillingNotConfigured
	}
	remote, err := s.billing.GetSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return "", upstream(err)
	}

	mirror, err := s.store.GetSubscriptionByStripeID(ctx, inv.SubscriptionID)
	hasMirror := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	credits := metaInt(remote.Metadata, billing.MetaCredits)
	if credits <= 0 && hasMirror {
		credits = mirror.Credits
	}

	userID, err := s.resolveSubscriber(ctx, remote, mirror, hasMirror)
	if err != nil {
		return "", err
	}
	if userID == 0 || credits <= 0 {
		return s.drop(log, "invoice cannot be attributed",
			zap.String("invoice_id", inv.ID),
			zap.String("subscription_id", inv.SubscriptionID),
			zap.Int64("user_id", userID),
			zap.Int("credits", credits),
		)
	}

	if !hasMirror {
		if _, err := s.upsertMirror(ctx, remote, userID); err != nil {
			return "", err
		}
	}

	txType := models.TxSubscriptionRenewal
	description := fmt.Sprintf("Subscription renewal - %s credits", formatThousands(credits))
	if inv.BillingReason == billing.BillingReasonSubscriptionCreate {
		txType = models.TxSubscription
		description = fmt.Sprintf("Subscription started - %s credits", formatThousands(credits))
	}
	key := inv.PaymentIntentID
	if key == "" {
		key = "invoice:" + inv.ID
	}

	_, applied, err := s.GrantCredits(ctx, Grant{
		UserID:         userID,
		Amount:         credits,
		Type:           txType,
		Description:    description,
		IdempotencyKey: key,
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return outcomeDuplicate, nil
	}
	return outcomeApplied, nil
}

// resolveSubscriber finds the local user a subscription belongs to: metadata
// first, then the mirror, then the owner of the customer's organization.
func (s *Service) resolveSubscriber(ctx context.Context, sub billing.Subscription, mirror models.Subscription, hasMirror bool) (int64, error) {
	if id := metaInt64(sub.Metadata, billing.MetaUserID); id != 0 {
		_, err := s.store.GetUserByID(ctx, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	if hasMirror && mirror.UserID != 0 {
		return mirror.UserID, nil
	}
	if sub.CustomerID == "" {
		return 0, nil
	}
	org, err := s.store.GetOrganizationByCustomer(ctx, sub.CustomerID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return org.OwnerID, nil
}

func (s *Service) upsertMirror(ctx context.Context, sub billing.Subscription, userID int64) (models.Subscription, error) {
	mirror := models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: sub.ID,
		StripeCustomerID:     sub.CustomerID,
		StripePriceID:        sub.PriceID,
		Status:               sub.Status,
		PackageID:            sub.Metadata[billing.MetaPackageID],
		Credits:              metaInt(sub.Metadata, billing.MetaCredits),
		CurrentPeriodStart:   sub.CurrentPeriodStart,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CancelAt:             sub.CancelAt,
	}
	if orgID := metaInt64(sub.Metadata, billing.MetaOrganizationID); orgID != 0 {
		mirror.OrganizationID = &orgID
	} else if org, err := s.store.GetOrganizationByOwner(ctx, userID); err == nil {
		mirror.OrganizationID = &org.ID
	}
	return s.store.UpsertSubscription(ctx, mirror)
}

func (s *Service) onSubscriptionCreated(ctx context.Context, log *zap.Logger, sub billing.Subscription) (string, error) {
	if err := s.updateOrganizationBilling(ctx, log, sub, sub.Status); err != nil {
		return "", err
	}
	mirror, err := s.store.GetSubscriptionByStripeID(ctx, sub.ID)
	hasMirror := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	userID, err := s.resolveSubscriber(ctx, sub, mirror, hasMirror)
	if err != nil {
		return "", err
	}
	if userID == 0 {
		return s.drop(log, "subscription owner unknown",
			zap.String("subscription_id", sub.ID),
			zap.String("customer_id", sub.CustomerID),
		)
	}
	if _, err := s.upsertMirror(ctx, sub, userID); err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (s *Service) onSubscriptionUpdated(ctx context.Context, log *zap.Logger, sub billing.Subscription) (string, error) {
	if err := s.updateOrganizationBilling(ctx, log, sub, sub.Status); err != nil {
		return "", err
	}
	if err := s.updateMirrorState(ctx, sub, sub.Status); err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (s *Service) onSubscriptionDeleted(ctx context.Context, log *zap.Logger, sub billing.Subscription) (string, error) {
	if err := s.updateOrganizationBilling(ctx, log, sub, models.SubscriptionCanceled); err != nil {
		return "", err
	}
	if err := s.updateMirrorState(ctx, sub, models.SubscriptionCanceled); err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (s *Service) updateOrganizationBilling(ctx context.Context, log *zap.Logger, sub billing.Subscription, status string) error {
	if sub.CustomerID == "" {
		return nil
	}
	err := s.store.UpdateOrganizationBillingByCustomer(ctx, sub.CustomerID, models.OrganizationBilling{
		SubscriptionID: sub.ID,
		PriceID:        sub.PriceID,
		Status:         status,
	})
	if errors.Is(err, ErrNotFound) {
		log.Warn("no organization for customer", zap.String("customer_id", sub.CustomerID))
		return nil
	}
	return err
}

func (s *Service) updateMirrorState(ctx context.Context, sub billing.Subscription, status string) error {
	mirror, err := s.store.GetSubscriptionByStripeID(ctx, sub.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	mirror.Status = status
	if sub.PriceID != "" {
		mirror.StripePriceID = sub.PriceID
	}
	mirror.CurrentPeriodStart = sub.CurrentPeriodStart
	mirror.CurrentPeriodEnd = sub.CurrentPeriodEnd
	mirror.CancelAt = sub.CancelAt
	if credits := metaInt(sub.Metadata, billing.MetaCredits); credits > 0 {
		mirror.Credits = credits
	}
	if pkg := sub.Metadata[billing.MetaPackageID]; pkg != "" {
		mirror.PackageID = pkg
	}
	return s.store.UpdateSubscriptionState(ctx, mirror)
}

func metaInt(meta map[string]string, key string) int {
	n, err := strconv.Atoi(meta[key])
	if err != nil {
		return 0
	}
	return n
}

func metaInt64(meta map[string]string, key string) int64 {
	n, err := strconv.ParseInt(meta[key], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

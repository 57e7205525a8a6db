package httpapi

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"zenverifier/internal/billing"
	"zenverifier/internal/identity"
	"zenverifier/internal/services"
)

const maxWebhookBody = 1 << 20

// handleStripeWebhook acknowledges every verified delivery once it is
// stored. Reconciliation failures are kept on the stored event for replay
// instead of being surfaced to Stripe.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stripe.WebhookSecret == "" {
		s.respondServiceError(w, r, services.ErrBillingNotConfigured)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := billing.ParseWebhook(payload, r.Header.Get("Stripe-Signature"), s.cfg.Stripe.WebhookSecret)
	if err != nil {
		s.logFor(r).Warn("rejected stripe webhook", zap.Error(err))
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.IngestBillingEvent(r.Context(), evt); err != nil {
		s.logFor(r).Error("store stripe event",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, errors.New("failed to record event"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleClerkWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Clerk.WebhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("clerk webhook secret not configured"))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := identity.VerifyWebhook(s.cfg.Clerk.WebhookSecret, r.Header, payload)
	if err != nil {
		s.logFor(r).Warn("rejected clerk webhook", zap.Error(err))
		respondError(w, http.StatusBadRequest, err)
		return
	}

	log := s.logFor(r).With(zap.String("event_type", evt.Type))
	switch evt.Type {
	case identity.EventUserCreated, identity.EventUserUpdated, identity.EventUserDeleted:
	default:
		log.Debug("ignoring clerk event")
		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	user, err := evt.User()
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if evt.Type == identity.EventUserDeleted {
		err = s.svc.DeleteIdentityUser(r.Context(), user.ID)
	} else {
		err = s.svc.SyncIdentityUser(r.Context(), evt.Type, user)
	}
	if errors.Is(err, services.ErrUserDeleted) {
		// Redelivery cannot succeed for a deleted account.
		log.Warn("clerk event for deleted user ignored", zap.String("clerk_id", user.ID))
		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if err != nil {
		log.Error("apply clerk event", zap.String("clerk_id", user.ID), zap.Error(err))
		s.respondServiceError(w, r, err)
		return
	}
	log.Info("clerk event applied", zap.String("clerk_id", user.ID))
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

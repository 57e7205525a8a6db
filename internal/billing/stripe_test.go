package billing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStripe(t *testing.T, handler http.HandlerFunc) *StripeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewStripeClient(StripeOptions{SecretKey: "sk_test_123", APIURL: srv.URL}, zap.NewNop())
}

func TestStripeGetSubscription(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/sub_42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "sub_42",
			"object": "subscription",
			"customer": "cus_1",
			"status": "active",
			"metadata": {"credits": "50000", "userId": "9"},
			"items": {"object": "list", "data": [{"id": "si_1", "object": "subscription_item", "price": {"id": "price_50k", "object": "price"}}]}
		}`))
	})

	sub, err := client.GetSubscription(context.Background(), "sub_42")
	require.NoError(t, err)
	assert.Equal(t, "price_50k", sub.PriceID)
	assert.Equal(t, "50000", sub.Metadata[MetaCredits])
}

func TestStripeErrorIsWrapped(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error", "code": "resource_missing", "message": "No such subscription"}}`))
	})

	_, err := client.GetSubscription(context.Background(), "sub_missing")
	require.Error(t, err)

	var billingErr *Error
	require.True(t, errors.As(err, &billingErr))
	assert.Equal(t, "get_subscription", billingErr.Op)
	assert.Equal(t, "resource_missing", billingErr.Code)
	assert.Equal(t, http.StatusNotFound, billingErr.HTTPStatus)
}

func TestStripeLatestSubscriptionEmpty(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cus_1", r.URL.Query().Get("customer"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object": "list", "data": [], "has_more": false, "url": "/v1/subscriptions"}`))
	})

	_, err := client.LatestSubscription(context.Background(), "cus_1")
	require.ErrorIs(t, err, ErrNoSubscription)
}

func TestStripeCheckoutRejectsUnknownMode(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
	})

	_, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{Mode: "setup"})
	require.Error(t, err)
}

package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
// Signature failures wrap ErrInvalidSignature, decode failures ErrMalformedEvent.
func ParseWebhook(payload []byte, signature, secret string) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decode(evt, payload)
}

// DecodeEvent decodes a stored event payload without checking a signature.
// It is used to replay events already accepted by ParseWebhook.
func DecodeEvent(payload []byte) (Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return decode(evt, payload)
}

func decode(evt stripe.Event, payload []byte) (Event, error) {
	if evt.ID == "" || evt.Type == "" {
		return Event{}, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	out := Event{
		ID:       evt.ID,
		Type:     string(evt.Type),
		Livemode: evt.Livemode,
		Created:  time.Unix(evt.Created, 0).UTC(),
		Payload:  payload,
	}
	if evt.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
			return Event{}, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
		}
		out.Checkout = fromStripeCheckout(&sess)
	case EventInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return Event{}, fmt.Errorf("%w: invoice: %v", ErrMalformedEvent, err)
		}
		converted := fromStripeInvoice(&inv)
		out.Invoice = &converted
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return Event{}, fmt.Errorf("%w: subscription: %v", ErrMalformedEvent, err)
		}
		converted := fromStripeSubscription(&sub)
		out.Subscription = &converted
	}
	return out, nil
}

func fromStripeCheckout(sess *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:       sess.ID,
		Mode:     string(sess.Mode),
		Metadata: sess.Metadata,
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
	}
	return out
}

func fromStripeInvoice(inv *stripe.Invoice) Invoice {
	out := Invoice{
		ID:               inv.ID,
		Number:           inv.Number,
		Status:           string(inv.Status),
		BillingReason:    string(inv.BillingReason),
		AmountDue:        inv.AmountDue,
		AmountPaid:       inv.AmountPaid,
		Currency:         string(inv.Currency),
		HostedInvoiceURL: inv.HostedInvoiceURL,
		InvoicePDF:       inv.InvoicePDF,
		Created:          time.Unix(inv.Created, 0).UTC(),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntentID = inv.PaymentIntent.ID
	}
	return out
}

func fromStripeSubscription(sub *stripe.Subscription) Subscription {
	out := Subscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		Metadata:           sub.Metadata,
		CurrentPeriodStart: unixPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(sub.CurrentPeriodEnd),
		CancelAt:           unixPtr(sub.CancelAt),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	return out
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/clerk/clerk-sdk-go/v2"
	svix "github.com/svix/svix-webhooks/go"
)

// Clerk delivers webhooks through Svix.
const (
	HeaderWebhookID        = "svix-id"
	HeaderWebhookTimestamp = "svix-timestamp"
	HeaderWebhookSignature = "svix-signature"
)

const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

var (
	ErrMissingHeaders   = errors.New("missing svix headers")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

type WebhookEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// User decodes the user object carried by user.* events. Deletion events
// carry only the id.
func (e WebhookEvent) User() (User, error) {
	var u clerk.User
	if err := json.Unmarshal(e.Data, &u); err != nil {
		return User{}, fmt.Errorf("decode user payload: %w", err)
	}
	if u.ID == "" {
		return User{}, errors.New("user payload without id")
	}
	return fromClerk(&u), nil
}

// VerifyWebhook checks the Svix signature headers against payload and decodes
// the event envelope. Deliveries outside the Svix timestamp tolerance fail.
func VerifyWebhook(secret string, header http.Header, payload []byte) (WebhookEvent, error) {
	if header.Get(HeaderWebhookID) == "" || header.Get(HeaderWebhookTimestamp) == "" || header.Get(HeaderWebhookSignature) == "" {
		return WebhookEvent{}, ErrMissingHeaders
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("webhook secret: %w", err)
	}
	if err := wh.Verify(payload, header); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var evt WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	return evt, nil
}

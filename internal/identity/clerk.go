package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/clerk/clerk-sdk-go/v2"
	clerkuser "github.com/clerk/clerk-sdk-go/v2/user"
	"go.uber.org/zap"

	"zenverifier/internal/models"
)

var (
	ErrUserNotFound  = errors.New("identity user not found")
	ErrNotConfigured = errors.New("identity provider not configured")
)

// User is the part of a Clerk user the service provisions from.
type User struct {
	ID                    string
	Username              string
	FirstName             string
	LastName              string
	ImageURL              string
	PrimaryEmailAddressID string
	EmailAddresses        []EmailAddress
}

type EmailAddress struct {
	ID           string
	EmailAddress string
}

func (u User) PrimaryEmail() string {
	for _, e := range u.EmailAddresses {
		if e.ID == u.PrimaryEmailAddressID {
			return e.EmailAddress
		}
	}
	if len(u.EmailAddresses) > 0 {
		return u.EmailAddresses[0].EmailAddress
	}
	return ""
}

func (u User) Profile() models.Profile {
	return models.Profile{
		Email:     u.PrimaryEmail(),
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		ImageURL:  u.ImageURL,
	}
}

func fromClerk(u *clerk.User) User {
	out := User{
		ID:                    u.ID,
		Username:              deref(u.Username),
		FirstName:             deref(u.FirstName),
		LastName:              deref(u.LastName),
		ImageURL:              deref(u.ImageURL),
		PrimaryEmailAddressID: deref(u.PrimaryEmailAddressID),
	}
	for _, e := range u.EmailAddresses {
		if e == nil {
			continue
		}
		out.EmailAddresses = append(out.EmailAddresses, EmailAddress{ID: e.ID, EmailAddress: e.EmailAddress})
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Client reads users from the Clerk Backend API.
type Client struct {
	users *clerkuser.Client
	log   *zap.Logger
}

// NewClient returns a Backend API client. An empty baseURL uses Clerk's
// production API. The SDK appends the API version itself.
func NewClient(secretKey, baseURL string, log *zap.Logger) *Client {
	if secretKey == "" {
		return &Client{log: log.Named("clerk")}
	}
	if baseURL == "" {
		baseURL = clerk.APIURL
	}
	baseURL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1")
	return &Client{
		users: clerkuser.NewClient(&clerk.ClientConfig{
			BackendConfig: clerk.BackendConfig{
				Key:        clerk.String(secretKey),
				URL:        clerk.String(baseURL),
				HTTPClient: &http.Client{Timeout: 10 * time.Second},
			},
		}),
		log: log.Named("clerk"),
	}
}

func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	if c.users == nil {
		return User{}, ErrNotConfigured
	}
	u, err := c.users.Get(ctx, userID)
	if err != nil {
		var apiErr *clerk.APIErrorResponse
		if errors.As(err, &apiErr) {
			if apiErr.HTTPStatusCode == http.StatusNotFound {
				return User{}, ErrUserNotFound
			}
			c.log.Warn("clerk get user failed",
				zap.String("user_id", userID),
				zap.Int("status", apiErr.HTTPStatusCode),
				zap.String("trace_id", apiErr.TraceID),
			)
		}
		return User{}, fmt.Errorf("clerk get user: %w", err)
	}
	return fromClerk(u), nil
}

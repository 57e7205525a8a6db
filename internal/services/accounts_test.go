package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zenverifier/internal/identity"
	"zenverifier/internal/models"
	"zenverifier/internal/services"
)

func TestEnsureUserProvisionsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	u := e.user(t, "ext_1")
	again := e.user(t, "ext_1")
	assert.Equal(t, u.ID, again.ID)

	txs := e.transactions(t, u.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, 500, txs[0].Amount)
	assert.Equal(t, models.TxFreeSignup, txs[0].Type)
	assert.EqualValues(t, 500, e.balance(t, u.ID))

	_, err := e.store.GetOrganizationByOwner(ctx, u.ID)
	assert.ErrorIs(t, err, services.ErrNotFound)

	users, total, err := e.svc.ListUsers(ctx, 1, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, users, 1)
}

func TestEnsureUserLoadsProfileFromIdentityProvider(t *testing.T) {
	e := newEnv(t)
	e.identity.users["user_2"] = identity.User{
		ID:                    "user_2",
		FirstName:             "Grace",
		LastName:              "Hopper",
		PrimaryEmailAddressID: "idn_2",
		EmailAddresses: []identity.EmailAddress{
			{ID: "idn_1", EmailAddress: "old@example.com"},
			{ID: "idn_2", EmailAddress: "grace@example.com"},
		},
	}

	u, err := e.svc.EnsureUser(context.Background(), "user_2", nil)
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", u.Email)
	assert.Equal(t, "Grace Hopper", u.Name)
	assert.Equal(t, models.UserRoleUser, u.Role)

	_, err = e.svc.EnsureUser(context.Background(), "user_missing", nil)
	assert.ErrorIs(t, err, services.ErrUnauthenticated)

	_, err = e.svc.EnsureUser(context.Background(), "", nil)
	assert.ErrorIs(t, err, services.ErrUnauthenticated)
}

func TestEnsureUserAdminRole(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, models.UserRoleAdmin, e.user(t, "user_admin").Role)
}

func TestEnsureOrganization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t, "John.Doe")

	org, err := e.svc.EnsureOrganization(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "Ada's Organization", org.Name)
	assert.Equal(t, "john-doe-org", org.Slug)

	again, err := e.svc.EnsureOrganization(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, org.ID, again.ID)

	// Same slug base for a different user gets a suffix.
	other, err := e.svc.EnsureUser(ctx, "user_x", &models.Profile{Email: "x@example.com", Username: "john_doe"})
	require.NoError(t, err)
	otherOrg, err := e.svc.EnsureOrganization(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, org.Slug, otherOrg.Slug)
	assert.Contains(t, otherOrg.Slug, "john-doe-org-")
}

func TestOrganizationNaming(t *testing.T) {
	tests := []struct {
		user     models.User
		wantName string
		wantSlug string
	}{
		{models.User{ClerkID: "user_1", Name: "Ada Lovelace", Username: "ada"}, "Ada's Organization", "ada-org"},
		{models.User{ClerkID: "user_2", Username: "Bob99"}, "Bob99's Organization", "bob99-org"},
		{models.User{ClerkID: "user_3ABC"}, "User's Organization", "user-3abc-org"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.wantName, services.OrganizationName(tt.user))
		assert.Equal(t, tt.wantSlug, services.OrganizationSlug(tt.user))
	}
}

func TestIdentityLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	clerkUser := identity.User{
		ID:             "user_7",
		Username:       "seven",
		FirstName:      "Sev",
		EmailAddresses: []identity.EmailAddress{{ID: "e1", EmailAddress: "seven@example.com"}},
	}

	require.NoError(t, e.svc.SyncIdentityUser(ctx, identity.EventUserCreated, clerkUser))
	u, err := e.store.GetUserByClerkID(ctx, "user_7")
	require.NoError(t, err)
	assert.EqualValues(t, 500, e.balance(t, u.ID))
	_, err = e.store.GetOrganizationByOwner(ctx, u.ID)
	require.NoError(t, err)

	// A redelivered created event does not grant again.
	require.NoError(t, e.svc.SyncIdentityUser(ctx, identity.EventUserCreated, clerkUser))
	assert.EqualValues(t, 500, e.balance(t, u.ID))

	clerkUser.EmailAddresses[0].EmailAddress = "new@example.com"
	require.NoError(t, e.svc.SyncIdentityUser(ctx, identity.EventUserUpdated, clerkUser))
	u, err = e.store.GetUserByClerkID(ctx, "user_7")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)

	require.NoError(t, e.svc.DeleteIdentityUser(ctx, "user_7"))
	_, err = e.svc.EnsureUser(ctx, "user_7", nil)
	assert.ErrorIs(t, err, services.ErrUnauthenticated)
	assert.ErrorIs(t, err, services.ErrUserDeleted)
	assert.Len(t, e.transactions(t, u.ID), 1, "ledger survives deletion")

	err = e.svc.SyncIdentityUser(ctx, identity.EventUserUpdated, clerkUser)
	assert.ErrorIs(t, err, services.ErrUserDeleted)

	assert.NoError(t, e.svc.DeleteIdentityUser(ctx, "user_unknown"))
}

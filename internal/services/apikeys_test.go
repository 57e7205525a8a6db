package services_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zenverifier/internal/models"
	"zenverifier/internal/services"
)

func TestAPIKeyLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t, "user_1")

	raw, key, err := e.svc.CreateAPIKey(ctx, u.ID, " scripts ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "zv_"))
	assert.Equal(t, "scripts", key.Name)
	assert.Equal(t, raw[:len(key.KeyPrefix)], key.KeyPrefix)
	assert.NotContains(t, key.KeyHash, raw)

	caller, err := e.svc.AuthenticateAPIKey(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, u.ID, caller.ID)

	keys, err := e.svc.ListAPIKeys(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	_, err = e.svc.AuthenticateAPIKey(ctx, raw[:len(raw)-1]+"x")
	assert.ErrorIs(t, err, services.ErrUnauthenticated)
	_, err = e.svc.AuthenticateAPIKey(ctx, "zv_short")
	assert.ErrorIs(t, err, services.ErrUnauthenticated)

	other := e.user(t, "user_2")
	assert.ErrorIs(t, e.svc.RevokeAPIKey(ctx, other.ID, key.ID), services.ErrNotFound)

	require.NoError(t, e.svc.RevokeAPIKey(ctx, u.ID, key.ID))
	_, err = e.svc.AuthenticateAPIKey(ctx, raw)
	assert.ErrorIs(t, err, services.ErrUnauthenticated)

	keys, err = e.svc.ListAPIKeys(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.APIKeyStatusRevoked, keys[0].Status)
}

func TestAPIKeyOfDeletedUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t, "user_1")
	raw, _, err := e.svc.CreateAPIKey(ctx, u.ID, "")
	require.NoError(t, err)

	require.NoError(t, e.svc.DeleteIdentityUser(ctx, "user_1"))
	_, err = e.svc.AuthenticateAPIKey(ctx, raw)
	assert.ErrorIs(t, err, services.ErrUnauthenticated)
}

package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigningKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(block)
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims SessionClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims(sub string) SessionClaims {
	now := time.Now()
	return SessionClaims{
		AuthorizedParty: "https://app.example.com",
		SessionID:       "sess_1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
}

func TestSessionVerifierAcceptsValidToken(t *testing.T) {
	key, pemKey := newSigningKey(t)
	v, err := NewSessionVerifier(pemKey, []string{"https://app.example.com"})
	require.NoError(t, err)

	session, err := v.Verify(signToken(t, key, validClaims("user_abc")))
	require.NoError(t, err)
	assert.Equal(t, "user_abc", session.UserID)
	assert.Equal(t, "sess_1", session.SessionID)
}

func TestSessionVerifierAcceptsEscapedNewlines(t *testing.T) {
	key, pemKey := newSigningKey(t)
	v, err := NewSessionVerifier(strings.ReplaceAll(pemKey, "\n", `\n`), nil)
	require.NoError(t, err)

	_, err = v.Verify(signToken(t, key, validClaims("user_abc")))
	require.NoError(t, err)
}

func TestSessionVerifierRejects(t *testing.T) {
	key, pemKey := newSigningKey(t)
	otherKey, _ := newSigningKey(t)
	v, err := NewSessionVerifier(pemKey, []string{"https://app.example.com"})
	require.NoError(t, err)

	expired := validClaims("user_abc")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongParty := validClaims("user_abc")
	wrongParty.AuthorizedParty = "https://evil.example.com"

	tests := []struct {
		name  string
		token string
	}{
		{"expired", signToken(t, key, expired)},
		{"wrong key", signToken(t, otherKey, validClaims("user_abc"))},
		{"wrong party", signToken(t, key, wrongParty)},
		{"no subject", signToken(t, key, validClaims(""))},
		{"garbage", "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestSessionVerifierRejectsHMACToken(t *testing.T) {
	_, pemKey := newSigningKey(t)
	v, err := NewSessionVerifier(pemKey, nil)
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("user_abc")).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewSessionVerifierBadKey(t *testing.T) {
	_, err := NewSessionVerifier("not a pem", nil)
	require.Error(t, err)
}

package identity

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid or expired session token")

// SessionClaims are the claims Clerk puts in a session token.
type SessionClaims struct {
	AuthorizedParty string `json:"azp,omitempty"`
	SessionID       string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type Session struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// SessionVerifier checks networkless Clerk session tokens against the
// instance's PEM public key.
type SessionVerifier struct {
	key     *rsa.PublicKey
	parties map[string]struct{}
}

func NewSessionVerifier(pemKey string, authorizedParties []string) (*SessionVerifier, error) {
	// Keys passed through env files often carry literal \n sequences.
	pemKey = strings.ReplaceAll(strings.TrimSpace(pemKey), `\n`, "\n")
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parse clerk jwt key: %w", err)
	}
	parties := make(map[string]struct{}, len(authorizedParties))
	for _, p := range authorizedParties {
		if p = strings.TrimSpace(p); p != "" {
			parties[p] = struct{}{}
		}
	}
	return &SessionVerifier{key: key, parties: parties}, nil
}

func (v *SessionVerifier) Verify(token string) (Session, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil || !parsed.Valid {
		return Session{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Session{}, ErrInvalidToken
	}
	if len(v.parties) > 0 && claims.AuthorizedParty != "" {
		if _, ok := v.parties[claims.AuthorizedParty]; !ok {
			return Session{}, ErrInvalidToken
		}
	}
	session := Session{UserID: claims.Subject, SessionID: claims.SessionID}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

package access

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oktsec/warden/internal/secerr"
)

const tokenIssuer = "warden"

// Claims is the JWT payload of a session bearer token.
type Claims struct {
	SessionID string `json:"sid"`
	Role      string `json:"role"`
	AgentID   string `json:"agent,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an RS256 bearer token for sc. The token expires with
// the session.
func (m *Manager) IssueToken(sc *SecurityContext) (string, error) {
	if m.signer == nil {
		return "", errors.New("token signing is not configured")
	}
	claims := Claims{
		SessionID: sc.SessionID,
		Role:      sc.Role,
		AgentID:   sc.AgentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   sc.UserID,
			IssuedAt:  jwt.NewNumericDate(m.now()),
			ExpiresAt: jwt.NewNumericDate(sc.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.signer)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies a bearer token and returns the live session it names.
// A valid signature is not enough: the session must still be active.
func (m *Manager) ParseToken(token string) (*SecurityContext, error) {
	if m.signer == nil {
		return nil, errors.New("token signing is not configured")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return &m.signer.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, secerr.Permission("invalid token: %v", err)
	}

	sc, ok := m.ValidateContext(claims.SessionID)
	if !ok {
		return nil, secerr.Permission("invalid or expired security context")
	}
	if sc.UserID != claims.Subject {
		return nil, secerr.Permission("token subject does not match session")
	}
	return sc, nil
}

// Package auth verifies bearer credentials for the realtime channel and
// HTTP API. Identity verification itself is an external concern; this only
// checks token signatures and extracts the claims the hub needs for room
// access control.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/courier-dispatch/internal/derr"
)

type Role string

const (
	RoleCourier   Role = "courier"
	RoleRequester Role = "requester"
	RoleOperator  Role = "operator"
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token, returning its identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, derr.Wrap(derr.CodeUnauthorized, "invalid token", err)
	}
	role := Role(c.Role)
	switch role {
	case RoleCourier, RoleRequester, RoleOperator:
	default:
		return Identity{}, derr.Newf(derr.CodeUnauthorized, "unknown role %q", c.Role)
	}
	return Identity{Subject: c.Subject, Role: role}, nil
}

// Issue mints a token, used by tests and the local dev tooling.
func (v *Verifier) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return t.SignedString(v.secret)
}

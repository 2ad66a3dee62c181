// Package identity resolves the acting user from a bearer credential. It only
// decodes the credential locally; it never calls a backend.
package identity

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Resolver is the identity contract the gateway components depend on.
type Resolver interface {
	ResolveUserID(credential string) (string, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(credential string) (string, bool)

func (f ResolverFunc) ResolveUserID(credential string) (string, bool) { return f(credential) }

// userClaims lists the claims that may carry the user id, in lookup order.
var userClaims = []string{"sub", "userId", "id"}

// JWT resolves user ids from JSON web tokens.
type JWT struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWT returns a resolver. With a secret the token signature (HS256) and
// expiry are verified; without one the claims are decoded as-is.
func NewJWT(secret string) *JWT {
	return &JWT{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// ResolveUserID returns the user id carried by credential. A leading "Bearer "
// scheme is accepted. Malformed, unverifiable and expired tokens resolve to
// no user.
func (j *JWT) ResolveUserID(credential string) (string, bool) {
	token := StripBearer(credential)
	if token == "" {
		return "", false
	}

	claims := jwt.MapClaims{}
	if len(j.secret) > 0 {
		if _, err := j.parser.ParseWithClaims(token, claims, j.key); err != nil {
			return "", false
		}
	} else if _, _, err := j.parser.ParseUnverified(token, claims); err != nil {
		return "", false
	}
	return userID(claims)
}

func (j *JWT) key(*jwt.Token) (any, error) {
	return j.secret, nil
}

// StripBearer trims whitespace and an optional case-insensitive "Bearer " prefix.
func StripBearer(credential string) string {
	credential = strings.TrimSpace(credential)
	if len(credential) >= 7 && strings.EqualFold(credential[:7], "bearer ") {
		credential = strings.TrimSpace(credential[7:])
	}
	return credential
}

func userID(claims jwt.MapClaims) (string, bool) {
	for _, name := range userClaims {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return fmt.Sprintf("%.0f", v), true
		}
	}
	return "", false
}

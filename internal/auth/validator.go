package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the gateway cares about: the registered set
// plus the space-delimited OAuth scope string.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Scopes splits the scope claim into individual scope values.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether the token grants the named scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator verifies RS256 bearer tokens against the authorization server's
// published keys, checking signature, expiry, audience and issuer.
type Validator struct {
	keys     *KeyCache
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewValidator builds a validator bound to one issuer and one audience.
func NewValidator(keys *KeyCache, issuer, audience string) *Validator {
	return &Validator{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// Validate checks a raw bearer token and returns its claims. Every failure
// is an *Error whose Kind identifies what was wrong with the token, so the
// transport layer can report the reason without leaking library internals.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, newError(KindMissingToken, "no bearer token presented")
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, newError(KindUnknownKey, "token header has no kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, classify(err)
	}
	return claims, nil
}

// classify maps jwt library errors onto the gateway's error kinds. Keyfunc
// errors come back wrapped in ErrTokenUnverifiable, so our own *Error is
// unwrapped first.
func classify(err error) *Error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return newError(KindExpired, "token is expired")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return newError(KindBadAudience, "token audience does not match this resource")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return newError(KindBadIssuer, "token issuer is not trusted")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return newError(KindBadSignature, "token signature verification failed")
	default:
		return newError(KindBadSignature, "token rejected: %v", err)
	}
}

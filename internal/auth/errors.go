package auth

import "fmt"

// Kind is the machine-readable subtype of an authentication failure. Distinct
// subtypes let operators tell misconfiguration (bad_audience, bad_issuer)
// apart from attack traffic (bad_signature) in logs and 401 bodies.
type Kind string

const (
	KindMissingToken Kind = "missing_token"
	KindBadSignature Kind = "bad_signature"
	KindExpired      Kind = "expired"
	KindBadAudience  Kind = "bad_audience"
	KindBadIssuer    Kind = "bad_issuer"
	KindUnknownKey   Kind = "unknown_key"
)

// Error is a typed authentication failure.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

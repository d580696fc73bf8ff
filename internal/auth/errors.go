package auth

import (
	"fmt"
	"time"
)

// Kind classifies expected authentication failures. Handlers keep the kind
// for audit and retry guidance; enumeration-sensitive kinds collapse to one
// generic user-facing message.
type Kind string

const (
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindTenantNotFound     Kind = "TENANT_NOT_FOUND"
	KindTenantSuspended    Kind = "TENANT_SUSPENDED"
	KindTenantDeactivated  Kind = "TENANT_DEACTIVATED"
	KindUserNotFound       Kind = "USER_NOT_FOUND"
	KindUnauthorizedTenant Kind = "UNAUTHORIZED_TENANT_ACCESS"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindBlocked            Kind = "BLOCKED"
	KindSuspicious         Kind = "SUSPICIOUS_ACTIVITY"
	KindTokenExpired       Kind = "TOKEN_EXPIRED"
	KindTokenInvalid       Kind = "TOKEN_INVALID"
	KindTokenRevoked       Kind = "TOKEN_REVOKED"
	KindSessionError       Kind = "SESSION_ERROR"
	KindSystemError        Kind = "SYSTEM_ERROR"
)

// genericLoginMessage is the single outward message for every failure mode
// that could otherwise confirm whether an account or tenant exists.
const genericLoginMessage = "invalid credentials"

// Error is the tagged failure result for expected authentication outcomes.
// Truly unexpected faults (store unreachable, programming errors) travel as
// plain errors instead.
type Error struct {
	Kind    Kind
	Message string
	// RetryAt is set for KindRateLimited and KindBlocked.
	RetryAt time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Kind, e.Message)
}

// Public returns the user-facing message, collapsing identity-enumeration
// sensitive kinds. Rate limiting is not enumeration-sensitive: telling the
// caller to retry later reveals nothing about account existence.
func (e *Error) Public() string {
	switch e.Kind {
	case KindUserNotFound, KindInvalidCredentials, KindUnauthorizedTenant,
		KindTenantNotFound, KindTenantSuspended, KindTenantDeactivated:
		return genericLoginMessage
	case KindRateLimited:
		return "too many attempts, try again later"
	case KindBlocked, KindSuspicious:
		return "access temporarily restricted"
	case KindTokenExpired:
		return "session expired"
	case KindTokenInvalid, KindTokenRevoked, KindSessionError:
		return "session invalid"
	default:
		return "internal error"
	}
}

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

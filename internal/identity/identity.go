package identity

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("identity: not found")
	ErrInactive = errors.New("identity: inactive")
)

// Identity is a human actor independent of any tenant. Accounts are never
// hard-deleted; Active=false is the terminal form of removal.
type Identity struct {
	ID           string
	Phone        string
	Email        string
	PasswordHash string
	FullName     string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store manages identity persistence.
type Store interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	// FindByContact resolves an identity by normalized phone or email.
	FindByContact(ctx context.Context, identifier string) (*Identity, error)
	SetActive(ctx context.Context, id string, active bool) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// NormalizeContact canonicalizes a contact identifier: emails are lower-cased,
// phone numbers keep digits and a leading plus.
func NormalizeContact(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ""
	}
	if strings.Contains(identifier, "@") {
		return strings.ToLower(identifier)
	}
	var b strings.Builder
	for i, r := range identifier {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

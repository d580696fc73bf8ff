package session

import (
	"context"
	"errors"
	"time"

	"skolar.io/internal/tenancy"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrExpired      = errors.New("session: expired")
	ErrUnauthorized = errors.New("session: access denied")
)

// Session is the server-tracked record bound to an issued token. Expiry only
// ever moves earlier: logout, revocation, and emergency actions shorten it to
// now, so a concurrent emergency write always wins.
type Session struct {
	ID           string
	IdentityID   string
	TokenHash    string
	Role         tenancy.Role
	ActiveTenant string
	ActingFor    string
	ExpiresAt    time.Time
	LastSeenAt   time.Time
	CreatedAt    time.Time
}

// Context is the resolved live-session view handed to request handlers.
type Context struct {
	IdentityID   string
	ActiveTenant string
	ActingFor    string
	Role         tenancy.Role
	TokenHash    string
	ExpiresAt    time.Time
}

// Dependent is a sub-identity (e.g. a student) another identity may act for.
type Dependent struct {
	ID       string
	FullName string
	TenantID string
	Active   bool
}

// Store persists session rows and guardian links.
type Store interface {
	Create(ctx context.Context, s *Session) error
	FindByTokenHash(ctx context.Context, hash string) (*Session, error)
	Touch(ctx context.Context, hash string, at time.Time) error
	BindTenant(ctx context.Context, hash, tenantID string, role tenancy.Role) error
	BindActingFor(ctx context.Context, hash, dependentID string) error
	// ExpireByTokenHash shortens the session expiry to the given time.
	ExpireByTokenHash(ctx context.Context, hash string, at time.Time) error
	// ExpireByIdentity expires every live session of the identity and
	// returns the token hashes that were still live, so the caller can push
	// them onto the revocation list.
	ExpireByIdentity(ctx context.Context, identityID string, at time.Time) ([]string, error)
	// ExpireByTenant expires live sessions bound to the tenant and reports
	// how many sessions and distinct identities were affected.
	ExpireByTenant(ctx context.Context, tenantID string, at time.Time) (int64, int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)

	// Dependents lists active guardian links for the identity, optionally
	// scoped to one tenant, joined with the dependent's account state.
	Dependents(ctx context.Context, identityID, tenantID string) ([]Dependent, error)
	FindDependentLink(ctx context.Context, identityID, dependentID, tenantID string) (*Dependent, error)
}

// AccessValidator is the slice of the tenant context service the session
// layer needs for tenant rebinding.
type AccessValidator interface {
	ValidateAccess(ctx context.Context, identityID, tenantID string) (bool, error)
	MembershipRole(ctx context.Context, identityID, tenantID string) (tenancy.Role, error)
}

// TokenRevoker invalidates issued tokens by content hash. Expiring a session
// row alone is not enough: the token could still refresh into a new one.
type TokenRevoker interface {
	RevokeHash(ctx context.Context, hash, reason string) error
}

// Metrics is the counter surface used by maintenance.
type Metrics interface {
	SessionsCleaned(n int64)
}

// Service resolves and mutates the tenant / acting-as context bound to live
// sessions.
type Service struct {
	store   Store
	access  AccessValidator
	revoker TokenRevoker
	metrics Metrics
	now     func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithMetrics wires maintenance counters.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store Store, access AccessValidator, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	svc := &Service{store: store, access: access, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Create inserts a session row for a freshly issued token.
func (s *Service) Create(ctx context.Context, sess *Session) error {
	if sess.IdentityID == "" || sess.TokenHash == "" {
		return errors.New("session: identity id and token hash are required")
	}
	return s.store.Create(ctx, sess)
}

// Context resolves the live session for a token hash. Expired or missing
// sessions yield ErrNotFound; there is no implicit refresh.
func (s *Service) Context(ctx context.Context, tokenHash string) (*Context, error) {
	sess, err := s.store.FindByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	// Best effort; a failed touch does not invalidate the lookup.
	_ = s.store.Touch(ctx, tokenHash, now)
	return &Context{
		IdentityID:   sess.IdentityID,
		ActiveTenant: sess.ActiveTenant,
		ActingFor:    sess.ActingFor,
		Role:         sess.Role,
		TokenHash:    sess.TokenHash,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// UpdateTenant validates access and rebinds the session's active tenant and
// role in one statement. Fails closed: on any validation failure nothing is
// applied.
func (s *Service) UpdateTenant(ctx context.Context, tokenHash, tenantID, identityID string) error {
	if s.access == nil {
		return errors.New("session: access validator not wired")
	}
	ok, err := s.access.ValidateAccess(ctx, identityID, tenantID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	role, err := s.access.MembershipRole(ctx, identityID, tenantID)
	if err != nil {
		return err
	}
	return s.store.BindTenant(ctx, tokenHash, tenantID, role)
}

// Dependents enumerates sub-identities reachable through active guardian
// links, scoped to the tenant when one is given.
func (s *Service) Dependents(ctx context.Context, identityID, tenantID string) ([]Dependent, error) {
	return s.store.Dependents(ctx, identityID, tenantID)
}

// ValidateDependentAccess checks the link exists, is active, and the
// dependent's own account is active.
func (s *Service) ValidateDependentAccess(ctx context.Context, identityID, dependentID, tenantID string) (bool, error) {
	dep, err := s.store.FindDependentLink(ctx, identityID, dependentID, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return dep.Active, nil
}

// SetActingFor validates dependent access then binds the acting-as
// sub-identity to the session.
func (s *Service) SetActingFor(ctx context.Context, tokenHash, identityID, dependentID, tenantID string) error {
	ok, err := s.ValidateDependentAccess(ctx, identityID, dependentID, tenantID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return s.store.BindActingFor(ctx, tokenHash, dependentID)
}

// CleanupExpired removes long-dead session rows. Safe to run concurrently
// with live logins: it only deletes rows already past expiry.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if s.metrics != nil && n > 0 {
		s.metrics.SessionsCleaned(n)
	}
	return n, nil
}

// SetTokenRevoker wires token revocation after construction; the token
// service is built later because it retires sessions through this service.
func (s *Service) SetTokenRevoker(r TokenRevoker) {
	s.revoker = r
}

// RevokeIdentitySessions expires every live session of the identity and
// revokes the backing tokens, so an expired session cannot come back through
// the refresh path.
func (s *Service) RevokeIdentitySessions(ctx context.Context, identityID, reason string) (int64, error) {
	hashes, err := s.store.ExpireByIdentity(ctx, identityID, s.now())
	if err != nil {
		return 0, err
	}
	if s.revoker != nil {
		for _, h := range hashes {
			if err := s.revoker.RevokeHash(ctx, h, reason); err != nil {
				return int64(len(hashes)), err
			}
		}
	}
	return int64(len(hashes)), nil
}

// RetireByTokenHash implements the token service's session retirement hook.
func (s *Service) RetireByTokenHash(ctx context.Context, hash string) error {
	err := s.store.ExpireByTokenHash(ctx, hash, s.now())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ExpireTenantSessions implements tenancy.SessionInvalidator. Idempotent:
// with no live sessions remaining it reports zero counts.
func (s *Service) ExpireTenantSessions(ctx context.Context, tenantID string) (tenancy.InvalidationResult, error) {
	sessions, identities, err := s.store.ExpireByTenant(ctx, tenantID, s.now())
	if err != nil {
		return tenancy.InvalidationResult{}, err
	}
	return tenancy.InvalidationResult{
		InvalidatedSessions: sessions,
		AffectedIdentities:  identities,
	}, nil
}

// BindTenant implements the tenancy switch hook, binding by raw token hash
// without re-deriving the role (the tenancy service has already validated).
func (s *Service) BindTenant(ctx context.Context, tokenHash, tenantID string) error {
	if s.access == nil {
		return errors.New("session: access validator not wired")
	}
	sess, err := s.store.FindByTokenHash(ctx, tokenHash)
	if err != nil {
		return err
	}
	role, err := s.access.MembershipRole(ctx, sess.IdentityID, tenantID)
	if err != nil {
		return err
	}
	return s.store.BindTenant(ctx, tokenHash, tenantID, role)
}

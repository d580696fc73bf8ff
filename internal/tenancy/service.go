package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("tenancy: tenant not found")
	ErrSuspended    = errors.New("tenancy: tenant suspended")
	ErrDeactivated  = errors.New("tenancy: tenant deactivated")
	ErrUnauthorized = errors.New("tenancy: tenant access denied")
)

// Store manages tenant and membership persistence.
type Store interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	FindTenant(ctx context.Context, id string) (*Tenant, error)
	FindTenantByCode(ctx context.Context, code string) (*Tenant, error)
	SetTenantStatus(ctx context.Context, id string, status Status) error

	UpsertMembership(ctx context.Context, m *Membership) error
	FindMembership(ctx context.Context, identityID, tenantID string) (*Membership, error)
	ListMemberships(ctx context.Context, identityID string) ([]Membership, error)
	// ActiveTenants returns tenants where the identity holds an active
	// membership and the tenant itself is active, sorted by name.
	ActiveTenants(ctx context.Context, identityID string) ([]Tenant, error)
	// DeactivateMemberships flips every membership of the target off.
	// Exactly one of identityID / tenantID is set.
	DeactivateMemberships(ctx context.Context, identityID, tenantID string) (int64, error)
	ReactivateMemberships(ctx context.Context, identityID, tenantID string) (int64, error)
}

// SessionInvalidator is the narrow slice of the session layer the tenant
// context needs: bulk expiry and rebinding of live sessions. Implemented by
// the session service and injected at startup to keep the dependency one-way.
type SessionInvalidator interface {
	ExpireTenantSessions(ctx context.Context, tenantID string) (InvalidationResult, error)
	BindTenant(ctx context.Context, token, tenantID string) error
}

// Recorder receives audit events; failures are the recorder's problem.
type Recorder interface {
	Record(action, actorID, resourceType, resourceID string, details map[string]any)
}

// Service is the tenant context service: tenant validation, access checks,
// and tenant-scoped session control.
type Service struct {
	store    Store
	sessions SessionInvalidator
	audit    Recorder
	now      func() time.Time
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

// WithSessionInvalidator wires the session layer in after construction; the
// session service itself depends on this package.
func WithSessionInvalidator(inv SessionInvalidator) Option {
	return func(s *Service) { s.sessions = inv }
}

func NewService(store Store, audit Recorder, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("tenancy: store is required")
	}
	svc := &Service{store: store, audit: audit, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// SetSessionInvalidator completes the two-way wiring at startup.
func (s *Service) SetSessionInvalidator(inv SessionInvalidator) { s.sessions = inv }

// ValidateByCode normalizes the code and resolves an active tenant. The error
// distinguishes suspended / deactivated / unknown for audit purposes; callers
// at the user boundary collapse the distinction.
func (s *Service) ValidateByCode(ctx context.Context, code string) (*Tenant, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrNotFound
	}
	t, err := s.store.FindTenantByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := statusError(t.Status); err != nil {
		return nil, err
	}
	return t, nil
}

// ValidateByID resolves an active tenant by id.
func (s *Service) ValidateByID(ctx context.Context, tenantID string) (*Tenant, error) {
	t, err := s.store.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := statusError(t.Status); err != nil {
		return nil, err
	}
	return t, nil
}

// UserTenants lists tenants the identity can authenticate against.
func (s *Service) UserTenants(ctx context.Context, identityID string) ([]Tenant, error) {
	return s.store.ActiveTenants(ctx, identityID)
}

// AuthorizedTenantIDs returns the IDs of active tenants where the identity
// holds an active membership. Token refresh re-derives its claims from this
// so revoked access never survives a refresh.
func (s *Service) AuthorizedTenantIDs(ctx context.Context, identityID string) ([]string, error) {
	ts, err := s.store.ActiveTenants(ctx, identityID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ts))
	for _, t := range ts {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// ActiveRole returns the current membership role as a string, or
// ErrUnauthorized when access is no longer valid.
func (s *Service) ActiveRole(ctx context.Context, identityID, tenantID string) (string, error) {
	role, err := s.MembershipRole(ctx, identityID, tenantID)
	if err != nil {
		return "", err
	}
	return string(role), nil
}

// ValidateAccess is the core authorization predicate: true iff the identity
// holds an active membership in the tenant AND the tenant is active.
func (s *Service) ValidateAccess(ctx context.Context, identityID, tenantID string) (bool, error) {
	t, err := s.store.FindTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if t.Status != StatusActive {
		return false, nil
	}
	m, err := s.store.FindMembership(ctx, identityID, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.Active, nil
}

// MembershipRole returns the active membership role for the pair, enforcing
// the same conjunction as ValidateAccess.
func (s *Service) MembershipRole(ctx context.Context, identityID, tenantID string) (Role, error) {
	ok, err := s.ValidateAccess(ctx, identityID, tenantID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnauthorized
	}
	m, err := s.store.FindMembership(ctx, identityID, tenantID)
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// SwitchActiveTenant re-validates access and rebinds the session to the new
// tenant. Fails closed on any validation failure.
func (s *Service) SwitchActiveTenant(ctx context.Context, identityID, tenantID, token string) error {
	ok, err := s.ValidateAccess(ctx, identityID, tenantID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	if s.sessions == nil {
		return errors.New("tenancy: session layer not wired")
	}
	if err := s.sessions.BindTenant(ctx, token, tenantID); err != nil {
		return err
	}
	s.record("tenant.switch", identityID, "tenant", tenantID, nil)
	return nil
}

// InvalidateTenantSessions bulk-expires every live session bound to the
// tenant. Idempotent: a second call with no live sessions reports zeros.
func (s *Service) InvalidateTenantSessions(ctx context.Context, tenantID, reason string) (InvalidationResult, error) {
	if s.sessions == nil {
		return InvalidationResult{}, errors.New("tenancy: session layer not wired")
	}
	res, err := s.sessions.ExpireTenantSessions(ctx, tenantID)
	if err != nil {
		return InvalidationResult{}, err
	}
	s.record("tenant.sessions.invalidated", "", "tenant", tenantID, map[string]any{
		"reason":     reason,
		"sessions":   res.InvalidatedSessions,
		"identities": res.AffectedIdentities,
	})
	return res, nil
}

// AuthenticationAllowed is the pre-flight status check. The reason is suitable
// for guidance messaging without confirming whether a code exists elsewhere.
func (s *Service) AuthenticationAllowed(ctx context.Context, tenantID string) (bool, string, error) {
	t, err := s.store.FindTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, "unknown tenant", nil
		}
		return false, "", err
	}
	switch t.Status {
	case StatusActive:
		return true, "", nil
	case StatusSuspended:
		return false, "temporarily unavailable, contact support", nil
	case StatusDeactivated:
		return false, "no longer available", nil
	default:
		return false, "", fmt.Errorf("tenancy: unknown status %q", t.Status)
	}
}

func (s *Service) record(action, actorID, resourceType, resourceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(action, actorID, resourceType, resourceID, details)
}

func statusError(st Status) error {
	switch st {
	case StatusActive:
		return nil
	case StatusSuspended:
		return ErrSuspended
	case StatusDeactivated:
		return ErrDeactivated
	default:
		return fmt.Errorf("tenancy: unknown status %q", st)
	}
}

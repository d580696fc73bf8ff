package emergency

import (
	"context"
	"errors"
	"time"

	"skolar.io/internal/identity"
	"skolar.io/internal/tenancy"
)

const (
	TargetIdentity = "identity"
	TargetTenant   = "tenant"

	ActionDisable = "disable"
	ActionEnable  = "enable"
)

var (
	// ErrSuperAdminProtected guards platform administrators: an emergency
	// disable against one must fail with no state change at all.
	ErrSuperAdminProtected = errors.New("emergency: SUPER_ADMIN_PROTECTION")
	ErrAlreadyDisabled     = errors.New("emergency: target already disabled")
	ErrAlreadyEnabled      = errors.New("emergency: target already enabled")
	ErrNotFound            = errors.New("emergency: target not found")
)

// ActionRecord is the append-only log line for a forced disable/enable.
// Records are never deleted; a reversal only marks the original.
type ActionRecord struct {
	ID               string
	TargetType       string
	TargetID         string
	Action           string
	Reason           string
	ActorID          string
	AffectedSessions int64
	DisabledUntil    *time.Time
	Reversed         bool
	ReversedAt       *time.Time
	ReversedBy       string
	CreatedAt        time.Time
}

// Store persists action records.
type Store interface {
	Append(ctx context.Context, rec *ActionRecord) error
	// LatestDisable returns the most recent unreversed disable record for
	// the target, or ErrNotFound.
	LatestDisable(ctx context.Context, targetType, targetID string) (*ActionRecord, error)
	MarkReversed(ctx context.Context, id, by string, at time.Time) error
}

// SessionRevoker expires live sessions for a disabled identity.
type SessionRevoker interface {
	RevokeIdentitySessions(ctx context.Context, identityID, reason string) (int64, error)
}

// Recorder receives audit events.
type Recorder interface {
	Record(action, actorID, resourceType, resourceID string, details map[string]any)
}

// Metrics counts emergency actions.
type Metrics interface {
	EmergencyAction(action string)
}

// DisableOptions parametrize a forced disable.
type DisableOptions struct {
	Reason               string
	DisabledUntil        *time.Time
	RevokeActiveSessions bool
}

// Result reports what a disable/enable touched.
type Result struct {
	Record                 *ActionRecord
	DeactivatedMemberships int64
	RevokedSessions        int64
}

// Service is the out-of-band kill switch. Caller authorization (platform
// admin only) is checked once at the boundary by the host authorization
// layer; this service enforces only its own safety invariants.
type Service struct {
	store       Store
	identities  identity.Store
	tenantStore tenancy.Store
	tenants     *tenancy.Service
	sessions    SessionRevoker
	audit       Recorder
	metrics     Metrics
	now         func() time.Time
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

// WithMetrics wires action counters.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(
	store Store,
	identities identity.Store,
	tenantStore tenancy.Store,
	tenants *tenancy.Service,
	sessions SessionRevoker,
	audit Recorder,
	opts ...Option,
) (*Service, error) {
	if store == nil || identities == nil || tenantStore == nil || tenants == nil || sessions == nil {
		return nil, errors.New("emergency: all collaborators are required")
	}
	svc := &Service{
		store:       store,
		identities:  identities,
		tenantStore: tenantStore,
		tenants:     tenants,
		sessions:    sessions,
		audit:       audit,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// DisableIdentity force-disables an identity: account off, every membership
// off, optionally every live session expired. Memberships are deactivated
// before sessions so a concurrent login cannot mint a session from stale
// membership state.
func (s *Service) DisableIdentity(ctx context.Context, identityID string, opts DisableOptions, actorID string) (*Result, error) {
	idn, err := s.identities.Find(ctx, identityID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	protected, err := s.isPlatformAdmin(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if protected {
		return nil, ErrSuperAdminProtected
	}
	if !idn.Active {
		return nil, ErrAlreadyDisabled
	}

	if err := s.identities.SetActive(ctx, identityID, false); err != nil {
		return nil, err
	}
	deactivated, err := s.tenantStore.DeactivateMemberships(ctx, identityID, "")
	if err != nil {
		return nil, err
	}
	var revoked int64
	if opts.RevokeActiveSessions {
		revoked, err = s.sessions.RevokeIdentitySessions(ctx, identityID, "emergency disable")
		if err != nil {
			return nil, err
		}
	}

	rec := &ActionRecord{
		TargetType:       TargetIdentity,
		TargetID:         identityID,
		Action:           ActionDisable,
		Reason:           opts.Reason,
		ActorID:          actorID,
		AffectedSessions: revoked,
		DisabledUntil:    opts.DisabledUntil,
		CreatedAt:        s.now(),
	}
	if err := s.store.Append(ctx, rec); err != nil {
		return nil, err
	}
	s.finish(ActionDisable, actorID, TargetIdentity, identityID, opts.Reason)
	return &Result{Record: rec, DeactivatedMemberships: deactivated, RevokedSessions: revoked}, nil
}

// DisableTenant suspends a tenant: status SUSPENDED, memberships off, every
// session bound to the tenant expired through the tenant context service.
func (s *Service) DisableTenant(ctx context.Context, tenantID string, opts DisableOptions, actorID string) (*Result, error) {
	t, err := s.tenantStore.FindTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenancy.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t.Status != tenancy.StatusActive {
		return nil, ErrAlreadyDisabled
	}

	if err := s.tenantStore.SetTenantStatus(ctx, tenantID, tenancy.StatusSuspended); err != nil {
		return nil, err
	}
	deactivated, err := s.tenantStore.DeactivateMemberships(ctx, "", tenantID)
	if err != nil {
		return nil, err
	}
	inv, err := s.tenants.InvalidateTenantSessions(ctx, tenantID, "emergency suspend")
	if err != nil {
		return nil, err
	}

	rec := &ActionRecord{
		TargetType:       TargetTenant,
		TargetID:         tenantID,
		Action:           ActionDisable,
		Reason:           opts.Reason,
		ActorID:          actorID,
		AffectedSessions: inv.InvalidatedSessions,
		DisabledUntil:    opts.DisabledUntil,
		CreatedAt:        s.now(),
	}
	if err := s.store.Append(ctx, rec); err != nil {
		return nil, err
	}
	s.finish(ActionDisable, actorID, TargetTenant, tenantID, opts.Reason)
	return &Result{Record: rec, DeactivatedMemberships: deactivated, RevokedSessions: inv.InvalidatedSessions}, nil
}

// EnableIdentity reverses a forced identity disable. The originating record
// is marked reversed, never removed, and a fresh enable record is appended.
func (s *Service) EnableIdentity(ctx context.Context, identityID, reason, actorID string) (*Result, error) {
	idn, err := s.identities.Find(ctx, identityID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if idn.Active {
		return nil, ErrAlreadyEnabled
	}
	if err := s.identities.SetActive(ctx, identityID, true); err != nil {
		return nil, err
	}
	reactivated, err := s.tenantStore.ReactivateMemberships(ctx, identityID, "")
	if err != nil {
		return nil, err
	}
	return s.reverse(ctx, TargetIdentity, identityID, reason, actorID, reactivated)
}

// EnableTenant reverses a forced tenant suspension.
func (s *Service) EnableTenant(ctx context.Context, tenantID, reason, actorID string) (*Result, error) {
	t, err := s.tenantStore.FindTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenancy.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t.Status == tenancy.StatusActive {
		return nil, ErrAlreadyEnabled
	}
	if err := s.tenantStore.SetTenantStatus(ctx, tenantID, tenancy.StatusActive); err != nil {
		return nil, err
	}
	reactivated, err := s.tenantStore.ReactivateMemberships(ctx, "", tenantID)
	if err != nil {
		return nil, err
	}
	return s.reverse(ctx, TargetTenant, tenantID, reason, actorID, reactivated)
}

// IsDisabled reports whether an unreversed, unexpired emergency disable is in
// force for the target. Consulted on the hot path so a disable takes effect
// immediately.
func (s *Service) IsDisabled(ctx context.Context, targetType, targetID string) (bool, string, error) {
	rec, err := s.store.LatestDisable(ctx, targetType, targetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, "", nil
		}
		return false, "", err
	}
	if rec.DisabledUntil != nil && !s.now().Before(*rec.DisabledUntil) {
		return false, "", nil
	}
	return true, rec.Reason, nil
}

func (s *Service) reverse(ctx context.Context, targetType, targetID, reason, actorID string, reactivated int64) (*Result, error) {
	now := s.now()
	if prior, err := s.store.LatestDisable(ctx, targetType, targetID); err == nil {
		if err := s.store.MarkReversed(ctx, prior.ID, actorID, now); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	rec := &ActionRecord{
		TargetType: targetType,
		TargetID:   targetID,
		Action:     ActionEnable,
		Reason:     reason,
		ActorID:    actorID,
		CreatedAt:  now,
	}
	if err := s.store.Append(ctx, rec); err != nil {
		return nil, err
	}
	s.finish(ActionEnable, actorID, targetType, targetID, reason)
	return &Result{Record: rec, DeactivatedMemberships: reactivated}, nil
}

func (s *Service) isPlatformAdmin(ctx context.Context, identityID string) (bool, error) {
	memberships, err := s.tenantStore.ListMemberships(ctx, identityID)
	if err != nil {
		return false, err
	}
	for _, m := range memberships {
		if m.Role == tenancy.RolePlatformAdmin {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) finish(action, actorID, targetType, targetID, reason string) {
	if s.metrics != nil {
		s.metrics.EmergencyAction(action)
	}
	if s.audit != nil {
		s.audit.Record("emergency."+action, actorID, targetType, targetID, map[string]any{
			"reason": reason,
		})
	}
}

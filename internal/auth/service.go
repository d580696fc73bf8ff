package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"skolar.io/internal/identity"
	"skolar.io/internal/otp"
	"skolar.io/internal/ratelimit"
	"skolar.io/internal/session"
	"skolar.io/internal/tenancy"
	"skolar.io/internal/token"
)

// CredentialKind selects the submitted credential type.
type CredentialKind string

const (
	CredentialPassword CredentialKind = "password"
	CredentialOTP      CredentialKind = "otp"
)

// Credentials is the raw submitted secret.
type Credentials struct {
	Kind   CredentialKind
	Secret string
}

// Request is a login attempt.
type Request struct {
	Identifier  string
	TenantID    string
	Credentials Credentials
	IP          string
	UserAgent   string
}

// IdentitySummary is the caller-safe identity projection.
type IdentitySummary struct {
	ID       string
	FullName string
	Phone    string
	Email    string
}

// LoginResult is the success payload, including disambiguation flags for
// multi-tenant identities and guardians with several dependents.
type LoginResult struct {
	Identity  IdentitySummary
	Token     string
	ExpiresAt time.Time
	Role      tenancy.Role

	RequiresTenantSelection    bool
	AvailableTenants           []tenancy.Tenant
	RequiresDependentSelection bool
	Dependents                 []session.Dependent
}

// EmergencyChecker is consulted before granting access so an emergency
// disable takes effect immediately, independent of session expiry.
type EmergencyChecker interface {
	IsDisabled(ctx context.Context, targetType, targetID string) (bool, string, error)
}

// Recorder receives audit events; failures never surface here.
type Recorder interface {
	Record(action, actorID, resourceType, resourceID string, details map[string]any)
}

// Metrics counts login outcomes.
type Metrics interface {
	Login(result string)
}

// Service is the authentication orchestrator. It is the single sanctioned
// entry point for session creation and destruction; nothing else mutates
// sessions directly.
type Service struct {
	identities identity.Store
	tenants    *tenancy.Service
	sessions   *session.Service
	tokens     *token.Service
	limiter    *ratelimit.Service
	otps       *otp.Service
	emergency  EmergencyChecker
	audit      Recorder
	metrics    Metrics
	now        func() time.Time
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

// WithEmergencyChecker wires the emergency-access read path.
func WithEmergencyChecker(c EmergencyChecker) Option {
	return func(s *Service) { s.emergency = c }
}

// WithMetrics wires login outcome counters.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(
	identities identity.Store,
	tenants *tenancy.Service,
	sessions *session.Service,
	tokens *token.Service,
	limiter *ratelimit.Service,
	otps *otp.Service,
	audit Recorder,
	opts ...Option,
) (*Service, error) {
	if identities == nil || tenants == nil || sessions == nil || tokens == nil || limiter == nil {
		return nil, errors.New("auth: identities, tenants, sessions, tokens and limiter are required")
	}
	svc := &Service{
		identities: identities,
		tenants:    tenants,
		sessions:   sessions,
		tokens:     tokens,
		limiter:    limiter,
		otps:       otps,
		audit:      audit,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Authenticate runs the full login state machine: advisory gates, tenant
// validation, identity lookup, role-conditioned credential verification,
// disambiguation, session creation. Expected failures come back as *Error;
// only infrastructure faults return plain errors.
func (s *Service) Authenticate(ctx context.Context, req Request) (*LoginResult, error) {
	identifier := identity.NormalizeContact(req.Identifier)
	if identifier == "" || strings.TrimSpace(req.TenantID) == "" {
		return nil, s.failed(KindInvalidCredentials, identifier, req, "missing identifier or tenant")
	}

	// Advisory gates run before any identity lookup and short-circuit with
	// non-enumerating errors.
	block, err := s.limiter.ActiveBlock(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if block != nil {
		e := s.failed(KindBlocked, identifier, req, block.Reason)
		e.RetryAt = block.ExpiresAt
		return nil, e
	}

	decision, err := s.limiter.CheckLoginFailures(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		e := s.failed(KindRateLimited, identifier, req, "failure threshold exceeded")
		e.RetryAt = decision.RetryAt
		return nil, e
	}

	allowed, reason, err := s.limiter.CheckSuspicious(ctx, identifier, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, s.failed(KindSuspicious, identifier, req, reason)
	}

	tenant, err := s.tenants.ValidateByID(ctx, req.TenantID)
	if err != nil {
		kind := KindSystemError
		switch {
		case errors.Is(err, tenancy.ErrNotFound):
			kind = KindTenantNotFound
		case errors.Is(err, tenancy.ErrSuspended):
			kind = KindTenantSuspended
		case errors.Is(err, tenancy.ErrDeactivated):
			kind = KindTenantDeactivated
		default:
			return nil, err
		}
		s.limiter.RecordFailure(ctx, identifier, string(kind), req.IP, req.UserAgent)
		return nil, s.failed(kind, identifier, req, err.Error())
	}
	if disabled, why, err := s.emergencyDisabled(ctx, "tenant", tenant.ID); err != nil {
		return nil, err
	} else if disabled {
		s.limiter.RecordFailure(ctx, identifier, string(KindTenantSuspended), req.IP, req.UserAgent)
		return nil, s.failed(KindTenantSuspended, identifier, req, why)
	}

	idn, err := s.identities.FindByContact(ctx, identifier)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			s.limiter.RecordFailure(ctx, identifier, string(KindUserNotFound), req.IP, req.UserAgent)
			return nil, s.failed(KindUserNotFound, identifier, req, "no identity for identifier")
		}
		return nil, err
	}
	if !idn.Active {
		s.limiter.RecordFailure(ctx, identifier, string(KindUserNotFound), req.IP, req.UserAgent)
		return nil, s.failed(KindUserNotFound, identifier, req, "identity disabled")
	}
	if disabled, why, err := s.emergencyDisabled(ctx, "identity", idn.ID); err != nil {
		return nil, err
	} else if disabled {
		s.limiter.RecordFailure(ctx, identifier, string(KindBlocked), req.IP, req.UserAgent)
		return nil, s.failed(KindBlocked, identifier, req, why)
	}

	ok, err := s.tenants.ValidateAccess(ctx, idn.ID, tenant.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.limiter.RecordFailure(ctx, identifier, string(KindUnauthorizedTenant), req.IP, req.UserAgent)
		return nil, s.failed(KindUnauthorizedTenant, identifier, req, "no active membership")
	}

	role, err := s.tenants.MembershipRole(ctx, idn.ID, tenant.ID)
	if err != nil {
		return nil, err
	}

	if err := s.verifyCredentials(ctx, idn, role, identifier, req.Credentials); err != nil {
		var authErr *Error
		if errors.As(err, &authErr) {
			s.limiter.RecordFailure(ctx, identifier, string(authErr.Kind), req.IP, req.UserAgent)
			s.record("login.failed", idn.ID, "tenant", tenant.ID, map[string]any{
				"kind": string(authErr.Kind),
			})
			s.count("failure")
			return nil, authErr
		}
		return nil, err
	}

	available, err := s.tenants.UserTenants(ctx, idn.ID)
	if err != nil {
		return nil, err
	}
	tenantIDs := make([]string, 0, len(available))
	for _, t := range available {
		tenantIDs = append(tenantIDs, t.ID)
	}

	var dependents []session.Dependent
	if role == tenancy.RoleGuardian {
		dependents, err = s.sessions.Dependents(ctx, idn.ID, tenant.ID)
		if err != nil {
			return nil, err
		}
	}
	actingFor := ""
	if len(dependents) == 1 {
		actingFor = dependents[0].ID
	}

	signed, expiresAt, err := s.createSession(ctx, token.Payload{
		IdentityID:   idn.ID,
		Role:         string(role),
		TenantIDs:    tenantIDs,
		ActiveTenant: tenant.ID,
		ActingFor:    actingFor,
	})
	if err != nil {
		return nil, err
	}

	s.limiter.ClearFailures(ctx, identifier)
	s.record("login.succeeded", idn.ID, "tenant", tenant.ID, map[string]any{
		"role": string(role),
	})
	s.count("success")

	return &LoginResult{
		Identity: IdentitySummary{
			ID:       idn.ID,
			FullName: idn.FullName,
			Phone:    idn.Phone,
			Email:    idn.Email,
		},
		Token:                      signed,
		ExpiresAt:                  expiresAt,
		Role:                       role,
		RequiresTenantSelection:    len(available) > 1,
		AvailableTenants:           available,
		RequiresDependentSelection: role == tenancy.RoleGuardian && len(dependents) > 1,
		Dependents:                 dependents,
	}, nil
}

// verifyCredentials enforces the role-conditioned credential policy:
//
//	student, guardian  OTP only
//	staff              OTP or password
//	tenant admin       password (OTP additive, never sufficient alone)
//	platform admin     password only
func (s *Service) verifyCredentials(ctx context.Context, idn *identity.Identity, role tenancy.Role, identifier string, creds Credentials) error {
	switch role {
	case tenancy.RoleStudent, tenancy.RoleGuardian:
		if creds.Kind != CredentialOTP {
			return errf(KindInvalidCredentials, "role %s accepts otp only", role)
		}
	case tenancy.RoleStaff:
		if creds.Kind != CredentialOTP && creds.Kind != CredentialPassword {
			return errf(KindInvalidCredentials, "unsupported credential kind %q", creds.Kind)
		}
	case tenancy.RoleTenantAdmin, tenancy.RolePlatformAdmin:
		if creds.Kind != CredentialPassword {
			return errf(KindInvalidCredentials, "role %s requires a password", role)
		}
	default:
		return errf(KindInvalidCredentials, "unknown role %q", role)
	}

	switch creds.Kind {
	case CredentialOTP:
		if s.otps == nil {
			return errf(KindSystemError, "otp verification unavailable")
		}
		if err := s.otps.Verify(ctx, identifier, creds.Secret); err != nil {
			switch {
			case errors.Is(err, otp.ErrNotFound), errors.Is(err, otp.ErrMismatch),
				errors.Is(err, otp.ErrExpired), errors.Is(err, otp.ErrTooManyTries):
				return errf(KindInvalidCredentials, "otp rejected")
			}
			return err
		}
	case CredentialPassword:
		if err := VerifyPassword(idn.PasswordHash, creds.Secret); err != nil {
			return errf(KindInvalidCredentials, "password rejected")
		}
	}
	return nil
}

// createSession mints a token and inserts the matching session row. This is
// the only code path that creates sessions.
func (s *Service) createSession(ctx context.Context, p token.Payload) (string, time.Time, error) {
	signed, expiresAt, err := s.tokens.Create(ctx, p)
	if err != nil {
		return "", time.Time{}, err
	}
	err = s.sessions.Create(ctx, &session.Session{
		IdentityID:   p.IdentityID,
		TokenHash:    token.Hash(signed),
		Role:         tenancy.Role(p.Role),
		ActiveTenant: p.ActiveTenant,
		ActingFor:    p.ActingFor,
		ExpiresAt:    expiresAt,
		LastSeenAt:   s.now(),
	})
	if err != nil {
		// The token must not outlive its failed session insert.
		_ = s.tokens.Revoke(ctx, signed, "session insert failed")
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Refresh rotates a session token. The old session is retired and a new one
// created; every failure is terminal for the old token's refresh chances.
// Account state is re-checked first: a disabled identity must not be able to
// refresh its way back to a live session.
func (s *Service) Refresh(ctx context.Context, oldToken string) (string, time.Time, error) {
	subject, err := s.tokens.Subject(oldToken)
	if err != nil {
		return "", time.Time{}, errf(KindTokenInvalid, "token rejected")
	}
	idn, err := s.identities.Find(ctx, subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return "", time.Time{}, s.denyRefresh(ctx, oldToken, subject, "identity not found")
		}
		return "", time.Time{}, err
	}
	if !idn.Active {
		return "", time.Time{}, s.denyRefresh(ctx, oldToken, subject, "identity disabled")
	}
	if disabled, why, err := s.emergencyDisabled(ctx, "identity", subject); err != nil {
		return "", time.Time{}, err
	} else if disabled {
		return "", time.Time{}, s.denyRefresh(ctx, oldToken, subject, why)
	}

	fresh, expiresAt, claims, err := s.tokens.Refresh(ctx, oldToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrTooOld):
			return "", time.Time{}, errf(KindTokenExpired, "refresh window exceeded")
		case errors.Is(err, token.ErrRevoked):
			return "", time.Time{}, errf(KindTokenRevoked, "token revoked")
		case errors.Is(err, token.ErrInvalid):
			return "", time.Time{}, errf(KindTokenInvalid, "token rejected")
		}
		return "", time.Time{}, err
	}
	err = s.sessions.Create(ctx, &session.Session{
		IdentityID:   claims.Subject,
		TokenHash:    token.Hash(fresh),
		Role:         tenancy.Role(claims.Role),
		ActiveTenant: claims.ActiveTenant,
		ActingFor:    claims.ActingFor,
		ExpiresAt:    expiresAt,
		LastSeenAt:   s.now(),
	})
	if err != nil {
		_ = s.tokens.Revoke(ctx, fresh, "session insert failed")
		return "", time.Time{}, err
	}
	return fresh, expiresAt, nil
}

// denyRefresh ends a refresh chain for a dead account: the presented token is
// revoked so it cannot be retried, and the caller sees a revocation.
func (s *Service) denyRefresh(ctx context.Context, rawToken, identityID, detail string) *Error {
	_ = s.tokens.Revoke(ctx, rawToken, detail)
	s.record("refresh.denied", identityID, "identity", identityID, map[string]any{
		"detail": detail,
	})
	return errf(KindTokenRevoked, "token revoked")
}

// RevokeSession is the logout path: the token is revoked and its session row
// expires immediately.
func (s *Service) RevokeSession(ctx context.Context, rawToken, reason string) error {
	if err := s.tokens.Revoke(ctx, rawToken, reason); err != nil {
		return err
	}
	return nil
}

// GenerateOTP issues a login code for the identifier. Nonexistent
// identifiers still get a generic success so the endpoint cannot be used for
// account enumeration; no challenge is created for them.
func (s *Service) GenerateOTP(ctx context.Context, identifier string) error {
	normalized := identity.NormalizeContact(identifier)
	if normalized == "" {
		return errf(KindInvalidCredentials, "identifier is required")
	}
	idn, err := s.identities.FindByContact(ctx, normalized)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			s.record("otp.requested.unknown", "", "identifier", normalized, nil)
			return nil
		}
		return err
	}
	if !idn.Active {
		return nil
	}
	if s.otps == nil {
		return errf(KindSystemError, "otp unavailable")
	}
	if _, err := s.otps.Generate(ctx, normalized); err != nil {
		return err
	}
	s.record("otp.requested", idn.ID, "identifier", normalized, nil)
	return nil
}

func (s *Service) emergencyDisabled(ctx context.Context, targetType, targetID string) (bool, string, error) {
	if s.emergency == nil {
		return false, "", nil
	}
	return s.emergency.IsDisabled(ctx, targetType, targetID)
}

// failed logs, counts, and wraps a gate failure before identity resolution.
func (s *Service) failed(kind Kind, identifier string, req Request, detail string) *Error {
	s.record("login.denied", "", "identifier", identifier, map[string]any{
		"kind":   string(kind),
		"tenant": req.TenantID,
		"detail": detail,
	})
	s.count(strings.ToLower(string(kind)))
	return errf(kind, "%s", detail)
}

func (s *Service) record(action, actorID, resourceType, resourceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(action, actorID, resourceType, resourceID, details)
}

func (s *Service) count(result string) {
	if s.metrics != nil {
		s.metrics.Login(result)
	}
}

package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Code classifies a verification outcome.
type Code string

const (
	CodeOK        Code = "OK"
	CodeExpired   Code = "EXPIRED"
	CodeInvalid   Code = "INVALID"
	CodeRevoked   Code = "REVOKED"
	CodeMalformed Code = "MALFORMED_PAYLOAD"
)

var (
	ErrRevoked  = errors.New("token: revoked")
	ErrTooOld   = errors.New("token: outside refresh window")
	ErrInvalid  = errors.New("token: invalid")
	ErrNoSecret = errors.New("token: signing secret is not configured")
)

// Claims is the signed session payload. The subject is the identity id.
type Claims struct {
	Role          string   `json:"role,omitempty"`
	TenantIDs     []string `json:"tenant_ids,omitempty"`
	ActiveTenant  string   `json:"active_tenant,omitempty"`
	ActingFor     string   `json:"acting_for,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Payload is the input to Create.
type Payload struct {
	IdentityID   string
	Role         string
	TenantIDs    []string
	ActiveTenant string
	ActingFor    string
	Permissions  []string
}

// Result is a structured verification outcome; verification failures are
// results, not errors, so callers can decide what the failure means.
type Result struct {
	Code   Code
	Claims *Claims
}

func (r Result) Valid() bool { return r.Code == CodeOK }

// RevocationStore is the dedicated hash-keyed revocation list. Raw tokens are
// never stored.
type RevocationStore interface {
	// Add records a revocation; adding the same hash twice is a no-op.
	Add(ctx context.Context, hash, reason string, at time.Time) error
	Contains(ctx context.Context, hash string) (bool, error)
}

// SessionRetirer removes live session rows referencing a revoked token.
type SessionRetirer interface {
	RetireByTokenHash(ctx context.Context, hash string) error
}

// MembershipSource re-derives current access on refresh so that revoked
// memberships are not silently re-granted.
type MembershipSource interface {
	AuthorizedTenantIDs(ctx context.Context, identityID string) ([]string, error)
	ActiveRole(ctx context.Context, identityID, tenantID string) (string, error)
}

// Recorder receives audit events; failures are swallowed by the recorder.
type Recorder interface {
	Record(action, actorID, resourceType, resourceID string, details map[string]any)
}

// Metrics is the counter surface the service touches.
type Metrics interface {
	TokenRevoked()
}

// Service issues, verifies, refreshes, and revokes signed session tokens.
type Service struct {
	secret        []byte
	issuer        string
	ttl           time.Duration
	refreshWindow time.Duration

	revocations RevocationStore
	sessions    SessionRetirer
	memberships MembershipSource
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

// WithSessionRetirer wires session retirement on revocation.
func WithSessionRetirer(r SessionRetirer) Option {
	return func(s *Service) { s.sessions = r }
}

// WithRecorder wires the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.audit = r }
}

// WithMetrics wires domain counters.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Config carries signing configuration.
type Config struct {
	Secret        string
	Issuer        string
	TTL           time.Duration
	RefreshWindow time.Duration
}

func NewService(cfg Config, revocations RevocationStore, memberships MembershipSource, opts ...Option) (*Service, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, ErrNoSecret
	}
	if revocations == nil {
		return nil, errors.New("token: revocation store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = 7 * 24 * time.Hour
	}
	svc := &Service{
		secret:        []byte(cfg.Secret),
		issuer:        cfg.Issuer,
		ttl:           cfg.TTL,
		refreshWindow: cfg.RefreshWindow,
		revocations:   revocations,
		memberships:   memberships,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Hash returns the content hash used to key revocation and session records.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create signs a time-bounded token carrying the payload.
func (s *Service) Create(ctx context.Context, p Payload) (string, time.Time, error) {
	if strings.TrimSpace(p.IdentityID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: identity id is required", ErrInvalid)
	}
	now := s.now().UTC()
	exp := now.Add(s.ttl)
	claims := Claims{
		Role:         p.Role,
		TenantIDs:    p.TenantIDs,
		ActiveTenant: p.ActiveTenant,
		ActingFor:    p.ActingFor,
		Permissions:  p.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.IdentityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	s.record("token.issued", p.IdentityID, "token", claims.ID, map[string]any{
		"expires_at": exp.Format(time.RFC3339),
	})
	return signed, exp, nil
}

// Verify checks signature, payload shape, the revocation list, and expiry, in
// that order, and maps every failure to a typed code.
func (s *Service) Verify(ctx context.Context, token string) (Result, error) {
	claims, err := s.parse(token)
	if err != nil {
		return Result{Code: CodeInvalid}, nil
	}
	if malformed(claims) {
		return Result{Code: CodeMalformed}, nil
	}
	revoked, err := s.revocations.Contains(ctx, Hash(token))
	if err != nil {
		return Result{}, err
	}
	if revoked {
		return Result{Code: CodeRevoked}, nil
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		return Result{Code: CodeExpired}, nil
	}
	return Result{Code: CodeOK, Claims: claims}, nil
}

// Refresh accepts a structurally valid token inside the refresh window,
// re-derives current access for the identity, revokes the old token, and
// issues a replacement. Any failure is terminal: refresh fails closed.
func (s *Service) Refresh(ctx context.Context, old string) (string, time.Time, *Claims, error) {
	claims, err := s.parse(old)
	if err != nil || malformed(claims) {
		return "", time.Time{}, nil, ErrInvalid
	}
	now := s.now()
	if now.Sub(claims.IssuedAt.Time) > s.refreshWindow {
		return "", time.Time{}, nil, ErrTooOld
	}
	revoked, err := s.revocations.Contains(ctx, Hash(old))
	if err != nil {
		return "", time.Time{}, nil, err
	}
	if revoked {
		return "", time.Time{}, nil, ErrRevoked
	}
	if s.memberships == nil {
		return "", time.Time{}, nil, errors.New("token: membership source not wired")
	}
	tenantIDs, err := s.memberships.AuthorizedTenantIDs(ctx, claims.Subject)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	payload := Payload{
		IdentityID: claims.Subject,
		TenantIDs:  tenantIDs,
		ActingFor:  claims.ActingFor,
	}
	// The active tenant survives only while it is still authorized; the role
	// is always re-derived from it. Without a bound tenant no role is
	// exposed, rather than falling back to an arbitrary membership.
	if claims.ActiveTenant != "" && slices.Contains(tenantIDs, claims.ActiveTenant) {
		payload.ActiveTenant = claims.ActiveTenant
		role, err := s.memberships.ActiveRole(ctx, claims.Subject, claims.ActiveTenant)
		if err != nil {
			return "", time.Time{}, nil, err
		}
		payload.Role = role
	} else {
		payload.ActingFor = ""
	}

	fresh, exp, err := s.Create(ctx, payload)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	if err := s.Revoke(ctx, old, "refreshed"); err != nil {
		return "", time.Time{}, nil, err
	}
	newClaims, parseErr := s.parse(fresh)
	if parseErr != nil {
		return "", time.Time{}, nil, parseErr
	}
	s.record("token.refreshed", claims.Subject, "token", newClaims.ID, nil)
	return fresh, exp, newClaims, nil
}

// Revoke appends a hash-keyed revocation record and retires any session row
// referencing the token. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, token, reason string) error {
	return s.RevokeHash(ctx, Hash(token), reason)
}

// RevokeHash revokes by content hash, for callers that hold session rows but
// never the raw token.
func (s *Service) RevokeHash(ctx context.Context, hash, reason string) error {
	if err := s.revocations.Add(ctx, hash, reason, s.now()); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.TokenRevoked()
	}
	if s.sessions != nil {
		if err := s.sessions.RetireByTokenHash(ctx, hash); err != nil {
			return err
		}
	}
	// Audit is best-effort: a failing sink must never block revocation.
	s.record("token.revoked", "", "token_hash", hash, map[string]any{"reason": reason})
	return nil
}

// Subject extracts the identity id from a structurally valid token without
// checking expiry or revocation, so callers can gate refresh on account state
// before anything is minted.
func (s *Service) Subject(token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", ErrInvalid
	}
	if malformed(claims) {
		return "", ErrInvalid
	}
	return claims.Subject, nil
}

// IsExpiringSoon reports whether the token expires within the given horizon.
// Pure: no store access, no side effects.
func (s *Service) IsExpiringSoon(token string, within time.Duration) bool {
	claims, err := s.parse(token)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Sub(s.now()) <= within
}

// parse validates signature and shape but deliberately not expiry, so the
// caller can distinguish EXPIRED from INVALID and refresh can accept expired
// tokens.
func (s *Service) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalid
		}
		return s.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, ErrInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalid
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalid
	}
	return claims, nil
}

func malformed(c *Claims) bool {
	return strings.TrimSpace(c.Subject) == "" || c.IssuedAt == nil || c.ExpiresAt == nil
}

func (s *Service) record(action, actorID, resourceType, resourceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(action, actorID, resourceType, resourceID, details)
}

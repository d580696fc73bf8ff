package tenancy

import (
	"errors"
	"strings"
	"time"
)

// Status is the tenant lifecycle state. Authentication is permitted only for
// StatusActive tenants.
type Status string

const (
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusDeactivated Status = "deactivated"
)

// Role is the membership role enumeration. The credential policy in the
// authentication orchestrator is keyed by this value.
type Role string

const (
	RoleStudent       Role = "student"
	RoleGuardian      Role = "guardian"
	RoleStaff         Role = "staff"
	RoleTenantAdmin   Role = "tenant_admin"
	RolePlatformAdmin Role = "platform_admin"
)

// ParseRole validates a stored or submitted role name.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleStudent:
		return RoleStudent, nil
	case RoleGuardian:
		return RoleGuardian, nil
	case RoleStaff:
		return RoleStaff, nil
	case RoleTenantAdmin:
		return RoleTenantAdmin, nil
	case RolePlatformAdmin:
		return RolePlatformAdmin, nil
	}
	return "", errors.New("tenancy: unknown role " + s)
}

// Settings is the versioned, typed per-tenant configuration. It replaces the
// free-form metadata blob the platform used to attach to tenants; new fields
// bump Version and are migrated, not mutated ad hoc.
type Settings struct {
	Version            int    `json:"version"`
	OTPChannel         string `json:"otp_channel,omitempty"`
	GuardianSelfSignup bool   `json:"guardian_self_signup,omitempty"`
	SessionTTLHours    int    `json:"session_ttl_hours,omitempty"`
}

// Tenant is an isolated school-like organization.
type Tenant struct {
	ID              string
	Code            string
	Name            string
	Status          Status
	OnboardingStage string
	Settings        Settings
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Membership links an identity to a tenant with a role. Memberships are
// deactivated on removal, never deleted.
type Membership struct {
	IdentityID string
	TenantID   string
	Role       Role
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InvalidationResult reports a bulk session expiry.
type InvalidationResult struct {
	InvalidatedSessions int64
	AffectedIdentities  int64
}

// NormalizeCode canonicalizes a tenant code for lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

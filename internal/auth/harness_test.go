package auth

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"testing"
	"time"

	"skolar.io/internal/identity"
	"skolar.io/internal/otp"
	"skolar.io/internal/ratelimit"
	"skolar.io/internal/session"
	"skolar.io/internal/tenancy"
	"skolar.io/internal/token"
)

// The harness wires real services over in-memory stores so orchestrator
// tests exercise the same call graph as production.

type memIdentities struct {
	byID      map[string]*identity.Identity
	byContact map[string]*identity.Identity
}

func newMemIdentities() *memIdentities {
	return &memIdentities{
		byID:      map[string]*identity.Identity{},
		byContact: map[string]*identity.Identity{},
	}
}

func (m *memIdentities) add(idn *identity.Identity) {
	m.byID[idn.ID] = idn
	if idn.Email != "" {
		m.byContact[idn.Email] = idn
	}
	if idn.Phone != "" {
		m.byContact[idn.Phone] = idn
	}
}

func (m *memIdentities) Create(_ context.Context, idn *identity.Identity) error {
	m.add(idn)
	return nil
}

func (m *memIdentities) Find(_ context.Context, id string) (*identity.Identity, error) {
	idn, ok := m.byID[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *idn
	return &cp, nil
}

func (m *memIdentities) FindByContact(_ context.Context, identifier string) (*identity.Identity, error) {
	idn, ok := m.byContact[identifier]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *idn
	return &cp, nil
}

func (m *memIdentities) SetActive(_ context.Context, id string, active bool) error {
	idn, ok := m.byID[id]
	if !ok {
		return identity.ErrNotFound
	}
	idn.Active = active
	return nil
}

func (m *memIdentities) UpdatePassword(_ context.Context, id, hash string) error {
	idn, ok := m.byID[id]
	if !ok {
		return identity.ErrNotFound
	}
	idn.PasswordHash = hash
	return nil
}

type memTenancy struct {
	tenants     map[string]*tenancy.Tenant
	memberships map[string]*tenancy.Membership
}

func newMemTenancy() *memTenancy {
	return &memTenancy{
		tenants:     map[string]*tenancy.Tenant{},
		memberships: map[string]*tenancy.Membership{},
	}
}

func tkey(identityID, tenantID string) string { return identityID + "/" + tenantID }

func (m *memTenancy) CreateTenant(_ context.Context, t *tenancy.Tenant) error {
	m.tenants[t.ID] = t
	return nil
}

func (m *memTenancy) FindTenant(_ context.Context, id string) (*tenancy.Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, tenancy.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTenancy) FindTenantByCode(_ context.Context, code string) (*tenancy.Tenant, error) {
	for _, t := range m.tenants {
		if t.Code == tenancy.NormalizeCode(code) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, tenancy.ErrNotFound
}

func (m *memTenancy) SetTenantStatus(_ context.Context, id string, status tenancy.Status) error {
	t, ok := m.tenants[id]
	if !ok {
		return tenancy.ErrNotFound
	}
	t.Status = status
	return nil
}

func (m *memTenancy) UpsertMembership(_ context.Context, mem *tenancy.Membership) error {
	m.memberships[tkey(mem.IdentityID, mem.TenantID)] = mem
	return nil
}

func (m *memTenancy) FindMembership(_ context.Context, identityID, tenantID string) (*tenancy.Membership, error) {
	mem, ok := m.memberships[tkey(identityID, tenantID)]
	if !ok {
		return nil, tenancy.ErrNotFound
	}
	cp := *mem
	return &cp, nil
}

func (m *memTenancy) ListMemberships(_ context.Context, identityID string) ([]tenancy.Membership, error) {
	var res []tenancy.Membership
	for _, mem := range m.memberships {
		if mem.IdentityID == identityID {
			res = append(res, *mem)
		}
	}
	return res, nil
}

func (m *memTenancy) ActiveTenants(_ context.Context, identityID string) ([]tenancy.Tenant, error) {
	var res []tenancy.Tenant
	for _, mem := range m.memberships {
		if mem.IdentityID != identityID || !mem.Active {
			continue
		}
		if t, ok := m.tenants[mem.TenantID]; ok && t.Status == tenancy.StatusActive {
			res = append(res, *t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (m *memTenancy) DeactivateMemberships(_ context.Context, identityID, tenantID string) (int64, error) {
	return m.flip(identityID, tenantID, false), nil
}

func (m *memTenancy) ReactivateMemberships(_ context.Context, identityID, tenantID string) (int64, error) {
	return m.flip(identityID, tenantID, true), nil
}

func (m *memTenancy) flip(identityID, tenantID string, active bool) int64 {
	var n int64
	for _, mem := range m.memberships {
		match := (identityID != "" && mem.IdentityID == identityID) ||
			(tenantID != "" && mem.TenantID == tenantID)
		if match && mem.Active != active {
			mem.Active = active
			n++
		}
	}
	return n
}

type memSessions struct {
	seq      int
	sessions map[string]*session.Session
	links    map[string][]session.Dependent
}

func newMemSessions() *memSessions {
	return &memSessions{
		sessions: map[string]*session.Session{},
		links:    map[string][]session.Dependent{},
	}
}

func (m *memSessions) Create(_ context.Context, s *session.Session) error {
	m.seq++
	if s.ID == "" {
		s.ID = "ses_" + strconv.Itoa(m.seq)
	}
	cp := *s
	m.sessions[s.TokenHash] = &cp
	return nil
}

func (m *memSessions) FindByTokenHash(_ context.Context, hash string) (*session.Session, error) {
	s, ok := m.sessions[hash]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Touch(_ context.Context, hash string, at time.Time) error {
	if s, ok := m.sessions[hash]; ok {
		s.LastSeenAt = at
	}
	return nil
}

func (m *memSessions) BindTenant(_ context.Context, hash, tenantID string, role tenancy.Role) error {
	s, ok := m.sessions[hash]
	if !ok {
		return session.ErrNotFound
	}
	s.ActiveTenant = tenantID
	s.Role = role
	s.ActingFor = ""
	return nil
}

func (m *memSessions) BindActingFor(_ context.Context, hash, dependentID string) error {
	s, ok := m.sessions[hash]
	if !ok {
		return session.ErrNotFound
	}
	s.ActingFor = dependentID
	return nil
}

func (m *memSessions) ExpireByTokenHash(_ context.Context, hash string, at time.Time) error {
	s, ok := m.sessions[hash]
	if !ok || !s.ExpiresAt.After(at) {
		return session.ErrNotFound
	}
	s.ExpiresAt = at
	return nil
}

func (m *memSessions) ExpireByIdentity(_ context.Context, identityID string, at time.Time) ([]string, error) {
	var hashes []string
	for _, s := range m.sessions {
		if s.IdentityID == identityID && s.ExpiresAt.After(at) {
			s.ExpiresAt = at
			hashes = append(hashes, s.TokenHash)
		}
	}
	return hashes, nil
}

func (m *memSessions) ExpireByTenant(_ context.Context, tenantID string, at time.Time) (int64, int64, error) {
	var n int64
	idents := map[string]bool{}
	for _, s := range m.sessions {
		if s.ActiveTenant == tenantID && s.ExpiresAt.After(at) {
			s.ExpiresAt = at
			idents[s.IdentityID] = true
			n++
		}
	}
	return n, int64(len(idents)), nil
}

func (m *memSessions) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for k, s := range m.sessions {
		if !s.ExpiresAt.After(before) {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) Dependents(_ context.Context, identityID, tenantID string) ([]session.Dependent, error) {
	var res []session.Dependent
	for _, d := range m.links[identityID] {
		if d.Active && (tenantID == "" || d.TenantID == tenantID) {
			res = append(res, d)
		}
	}
	return res, nil
}

func (m *memSessions) FindDependentLink(_ context.Context, identityID, dependentID, tenantID string) (*session.Dependent, error) {
	for _, d := range m.links[identityID] {
		if d.ID == dependentID && (tenantID == "" || d.TenantID == tenantID) {
			cp := d
			return &cp, nil
		}
	}
	return nil, session.ErrNotFound
}

type memLimiterStore struct {
	attempts []ratelimit.Attempt
	blocks   map[string]ratelimit.Block
}

func newMemLimiterStore() *memLimiterStore {
	return &memLimiterStore{blocks: map[string]ratelimit.Block{}}
}

func (m *memLimiterStore) RecordFailure(_ context.Context, a ratelimit.Attempt) error {
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memLimiterStore) CountFailures(_ context.Context, identifier string, since time.Time) (int, time.Time, error) {
	var count int
	var last time.Time
	for _, a := range m.attempts {
		if a.Identifier == identifier && !a.At.Before(since) {
			count++
			if a.At.After(last) {
				last = a.At
			}
		}
	}
	return count, last, nil
}

func (m *memLimiterStore) DistinctSources(_ context.Context, identifier string, since time.Time) (int, int, error) {
	ips := map[string]bool{}
	agents := map[string]bool{}
	for _, a := range m.attempts {
		if a.Identifier != identifier || a.At.Before(since) {
			continue
		}
		if a.IP != "" {
			ips[a.IP] = true
		}
		if a.UserAgent != "" {
			agents[a.UserAgent] = true
		}
	}
	return len(ips), len(agents), nil
}

func (m *memLimiterStore) ClearFailures(_ context.Context, identifier string) error {
	kept := m.attempts[:0]
	for _, a := range m.attempts {
		if a.Identifier != identifier {
			kept = append(kept, a)
		}
	}
	m.attempts = kept
	return nil
}

func (m *memLimiterStore) UpsertBlock(_ context.Context, b ratelimit.Block) error {
	m.blocks[b.Identifier] = b
	return nil
}

func (m *memLimiterStore) FindBlock(_ context.Context, identifier string, now time.Time) (*ratelimit.Block, error) {
	b, ok := m.blocks[identifier]
	if !ok || !b.ExpiresAt.After(now) {
		return nil, ratelimit.ErrNoBlock
	}
	return &b, nil
}

func (m *memLimiterStore) DeleteBlock(_ context.Context, identifier string) error {
	delete(m.blocks, identifier)
	return nil
}

func (m *memLimiterStore) PurgeExpired(_ context.Context, failuresBefore, now time.Time) (int64, error) {
	return 0, nil
}

type memOTPStore struct {
	seq        int
	challenges map[string]*otp.Challenge
}

func newMemOTPStore() *memOTPStore {
	return &memOTPStore{challenges: map[string]*otp.Challenge{}}
}

func (m *memOTPStore) Upsert(_ context.Context, c *otp.Challenge) error {
	m.seq++
	if c.ID == "" {
		c.ID = "otp_" + strconv.Itoa(m.seq)
	}
	cp := *c
	m.challenges[c.Identifier] = &cp
	return nil
}

func (m *memOTPStore) Find(_ context.Context, identifier string) (*otp.Challenge, error) {
	c, ok := m.challenges[identifier]
	if !ok {
		return nil, otp.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memOTPStore) IncrementAttempts(_ context.Context, id string) (int, error) {
	for _, c := range m.challenges {
		if c.ID == id {
			c.Attempts++
			return c.Attempts, nil
		}
	}
	return 0, otp.ErrNotFound
}

func (m *memOTPStore) Delete(_ context.Context, id string) error {
	for k, c := range m.challenges {
		if c.ID == id {
			delete(m.challenges, k)
		}
	}
	return nil
}

type memRevocations struct {
	hashes map[string]bool
}

func (m *memRevocations) Add(_ context.Context, hash, _ string, _ time.Time) error {
	m.hashes[hash] = true
	return nil
}

func (m *memRevocations) Contains(_ context.Context, hash string) (bool, error) {
	return m.hashes[hash], nil
}

// codeCapture records delivered codes so tests can replay them.
type codeCapture struct {
	codes map[string]string
}

func (c *codeCapture) Deliver(_ context.Context, identifier, code string, _ time.Time) error {
	c.codes[identifier] = code
	return nil
}

type harness struct {
	now        time.Time
	svc        *Service
	identities *memIdentities
	tenancy    *memTenancy
	sessions   *memSessions
	limiter    *memLimiterStore
	otps       *memOTPStore
	codes      *codeCapture
	tokens     *token.Service
	sessionSvc *session.Service
}

func (h *harness) clock() time.Time { return h.now }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		now:        time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		identities: newMemIdentities(),
		tenancy:    newMemTenancy(),
		sessions:   newMemSessions(),
		limiter:    newMemLimiterStore(),
		otps:       newMemOTPStore(),
		codes:      &codeCapture{codes: map[string]string{}},
	}

	tenants, err := tenancy.NewService(h.tenancy, nil, tenancy.WithClock(h.clock))
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := session.NewService(h.sessions, tenants, session.WithClock(h.clock))
	if err != nil {
		t.Fatal(err)
	}
	tenants.SetSessionInvalidator(sessions)
	h.sessionSvc = sessions

	tokens, err := token.NewService(token.Config{
		Secret:        "harness-secret",
		Issuer:        "skolar",
		TTL:           time.Hour,
		RefreshWindow: 48 * time.Hour,
	}, &memRevocations{hashes: map[string]bool{}}, tenants,
		token.WithClock(h.clock), token.WithSessionRetirer(sessions))
	if err != nil {
		t.Fatal(err)
	}
	h.tokens = tokens
	sessions.SetTokenRevoker(tokens)

	limiter, err := ratelimit.NewService(h.limiter, ratelimit.Config{
		MaxFailures:           5,
		Window:                15 * time.Minute,
		Cooldown:              15 * time.Minute,
		MaxDistinctIPs:        5,
		MaxDistinctUserAgents: 5,
	}, nil, ratelimit.WithClock(h.clock))
	if err != nil {
		t.Fatal(err)
	}

	otps, err := otp.NewService(h.otps, h.codes, otp.Config{
		TTL:         5 * time.Minute,
		MaxAttempts: 5,
	}, otp.WithClock(h.clock))
	if err != nil {
		t.Fatal(err)
	}

	svc, err := NewService(h.identities, tenants, sessions, tokens, limiter, otps, nil,
		WithClock(h.clock))
	if err != nil {
		t.Fatal(err)
	}
	h.svc = svc
	return h
}

// seedWorld installs one active tenant and one identity per role.
func (h *harness) seedWorld(t *testing.T) {
	t.Helper()
	h.tenancy.tenants["ten_1"] = &tenancy.Tenant{
		ID: "ten_1", Code: "SCH001", Name: "Springfield", Status: tenancy.StatusActive,
	}
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	roles := map[string]tenancy.Role{
		"idn_student":  tenancy.RoleStudent,
		"idn_guardian": tenancy.RoleGuardian,
		"idn_staff":    tenancy.RoleStaff,
		"idn_tadmin":   tenancy.RoleTenantAdmin,
		"idn_padmin":   tenancy.RolePlatformAdmin,
	}
	i := 0
	for id, role := range roles {
		i++
		h.identities.add(&identity.Identity{
			ID:           id,
			Email:        id + "@example.com",
			Phone:        fmt.Sprintf("+1555010%04d", i),
			PasswordHash: hash,
			FullName:     string(role),
			Active:       true,
		})
		h.tenancy.memberships[tkey(id, "ten_1")] = &tenancy.Membership{
			IdentityID: id, TenantID: "ten_1", Role: role, Active: true,
		}
	}
}

// issueOTP generates a challenge and returns the delivered code.
func (h *harness) issueOTP(t *testing.T, identifier string) string {
	t.Helper()
	if err := h.svc.GenerateOTP(context.Background(), identifier); err != nil {
		t.Fatal(err)
	}
	code, ok := h.codes.codes[identifier]
	if !ok {
		t.Fatalf("no code delivered for %s", identifier)
	}
	return code
}

func ratelimitAttempt(identifier string, at time.Time) ratelimit.Attempt {
	return ratelimit.Attempt{Identifier: identifier, Reason: "INVALID_CREDENTIALS", At: at}
}

func ratelimitBlock(identifier string, expiresAt time.Time) ratelimit.Block {
	return ratelimit.Block{
		Identifier: identifier,
		Reason:     "manual block",
		CreatedBy:  "admin",
		ExpiresAt:  expiresAt,
	}
}

func authKind(t *testing.T, err error) Kind {
	t.Helper()
	ae, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	return ae.Kind
}

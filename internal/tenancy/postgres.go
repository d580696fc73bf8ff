package tenancy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"skolar.io/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = ids.NewFor(ids.PrefixTenant)
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.Settings.Version == 0 {
		t.Settings.Version = 1
	}
	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into tenants(id, code, name, status, onboarding_stage, settings)
		 values($1,$2,$3,$4,$5,$6)`,
		t.ID, NormalizeCode(t.Code), t.Name, string(t.Status), t.OnboardingStage, settings,
	)
	return err
}

const tenantColumns = `id, code, name, status, onboarding_stage, settings, created_at, updated_at`

func (s *PGStore) FindTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tenantColumns+` from tenants where id=$1`, id)
	return scanTenant(row)
}

func (s *PGStore) FindTenantByCode(ctx context.Context, code string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tenantColumns+` from tenants where code=$1`, NormalizeCode(code))
	return scanTenant(row)
}

func (s *PGStore) SetTenantStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`update tenants set status=$2, updated_at=now() where id=$1`, id, string(status))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) UpsertMembership(ctx context.Context, m *Membership) error {
	_, err := s.db.ExecContext(ctx,
		`insert into memberships(identity_id, tenant_id, role, active)
		 values($1,$2,$3,$4)
		 on conflict (identity_id, tenant_id) do update
		 set role=excluded.role, active=excluded.active, updated_at=now()`,
		m.IdentityID, m.TenantID, string(m.Role), m.Active,
	)
	return err
}

func (s *PGStore) FindMembership(ctx context.Context, identityID, tenantID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`select identity_id, tenant_id, role, active, created_at, updated_at
		 from memberships where identity_id=$1 and tenant_id=$2`, identityID, tenantID)
	var (
		m    Membership
		role string
	)
	err := row.Scan(&m.IdentityID, &m.TenantID, &role, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = Role(role)
	return &m, nil
}

func (s *PGStore) ListMemberships(ctx context.Context, identityID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`select identity_id, tenant_id, role, active, created_at, updated_at
		 from memberships where identity_id=$1`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Membership
	for rows.Next() {
		var (
			m    Membership
			role string
		)
		if err := rows.Scan(&m.IdentityID, &m.TenantID, &role, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *PGStore) ActiveTenants(ctx context.Context, identityID string) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select t.id, t.code, t.name, t.status, t.onboarding_stage, t.settings, t.created_at, t.updated_at
		 from tenants t
		 join memberships m on m.tenant_id = t.id
		 where m.identity_id=$1 and m.active and t.status='active'
		 order by t.name asc`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}
	return res, rows.Err()
}

func (s *PGStore) DeactivateMemberships(ctx context.Context, identityID, tenantID string) (int64, error) {
	return s.setMembershipsActive(ctx, identityID, tenantID, false)
}

func (s *PGStore) ReactivateMemberships(ctx context.Context, identityID, tenantID string) (int64, error) {
	return s.setMembershipsActive(ctx, identityID, tenantID, true)
}

func (s *PGStore) setMembershipsActive(ctx context.Context, identityID, tenantID string, active bool) (int64, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case identityID != "":
		res, err = s.db.ExecContext(ctx,
			`update memberships set active=$2, updated_at=now() where identity_id=$1 and active<>$2`,
			identityID, active)
	case tenantID != "":
		res, err = s.db.ExecContext(ctx,
			`update memberships set active=$2, updated_at=now() where tenant_id=$1 and active<>$2`,
			tenantID, active)
	default:
		return 0, errors.New("tenancy: identity or tenant id required")
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var (
		t        Tenant
		status   string
		settings []byte
	)
	err := row.Scan(&t.ID, &t.Code, &t.Name, &status, &t.OnboardingStage, &settings,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	_ = json.Unmarshal(settings, &t.Settings)
	return &t, nil
}

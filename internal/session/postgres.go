package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"skolar.io/internal/ids"
	"skolar.io/internal/tenancy"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = ids.NewFor(ids.PrefixSession)
	}
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, identity_id, token_hash, role, active_tenant_id, acting_for_id, expires_at, last_seen_at)
		 values($1,$2,$3,$4,nullif($5,''),nullif($6,''),$7,$8)`,
		sess.ID, sess.IdentityID, sess.TokenHash, string(sess.Role),
		sess.ActiveTenant, sess.ActingFor, sess.ExpiresAt, sess.LastSeenAt,
	)
	return err
}

func (s *PGStore) FindByTokenHash(ctx context.Context, hash string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, identity_id, token_hash, role, coalesce(active_tenant_id,''), coalesce(acting_for_id,''),
		        expires_at, last_seen_at, created_at
		 from sessions where token_hash=$1`, hash)
	var (
		sess Session
		role string
	)
	err := row.Scan(&sess.ID, &sess.IdentityID, &sess.TokenHash, &role,
		&sess.ActiveTenant, &sess.ActingFor, &sess.ExpiresAt, &sess.LastSeenAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Role = tenancy.Role(role)
	return &sess, nil
}

func (s *PGStore) Touch(ctx context.Context, hash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set last_seen_at=$2 where token_hash=$1`, hash, at)
	return err
}

func (s *PGStore) BindTenant(ctx context.Context, hash, tenantID string, role tenancy.Role) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set active_tenant_id=$2, role=$3, acting_for_id=null
		 where token_hash=$1 and expires_at > now()`,
		hash, tenantID, string(role))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) BindActingFor(ctx context.Context, hash, dependentID string) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set acting_for_id=$2 where token_hash=$1 and expires_at > now()`,
		hash, dependentID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ExpireByTokenHash(ctx context.Context, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set expires_at=$2 where token_hash=$1 and expires_at > $2`,
		hash, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ExpireByIdentity(ctx context.Context, identityID string, at time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`update sessions set expires_at=$2 where identity_id=$1 and expires_at > $2
		 returning token_hash`,
		identityID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (s *PGStore) ExpireByTenant(ctx context.Context, tenantID string, at time.Time) (int64, int64, error) {
	row := s.db.QueryRowContext(ctx,
		`with expired as (
		   update sessions set expires_at=$2
		   where active_tenant_id=$1 and expires_at > $2
		   returning identity_id
		 )
		 select count(*), count(distinct identity_id) from expired`,
		tenantID, at)
	var sessions, identities int64
	if err := row.Scan(&sessions, &identities); err != nil {
		return 0, 0, err
	}
	return sessions, identities, nil
}

func (s *PGStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from sessions where expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGStore) Dependents(ctx context.Context, identityID, tenantID string) ([]Dependent, error) {
	query := `select i.id, i.full_name, g.tenant_id, (g.active and i.active)
	          from guardian_links g
	          join identities i on i.id = g.dependent_id
	          where g.guardian_id=$1 and g.active and i.active`
	args := []any{identityID}
	if tenantID != "" {
		query += ` and g.tenant_id=$2`
		args = append(args, tenantID)
	}
	query += ` order by i.full_name asc`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Dependent
	for rows.Next() {
		var d Dependent
		if err := rows.Scan(&d.ID, &d.FullName, &d.TenantID, &d.Active); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s *PGStore) FindDependentLink(ctx context.Context, identityID, dependentID, tenantID string) (*Dependent, error) {
	query := `select i.id, i.full_name, g.tenant_id, (g.active and i.active)
	          from guardian_links g
	          join identities i on i.id = g.dependent_id
	          where g.guardian_id=$1 and g.dependent_id=$2`
	args := []any{identityID, dependentID}
	if tenantID != "" {
		query += ` and g.tenant_id=$3`
		args = append(args, tenantID)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	var d Dependent
	err := row.Scan(&d.ID, &d.FullName, &d.TenantID, &d.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

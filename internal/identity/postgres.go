package identity

import (
	"context"
	"database/sql"
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

func (s *PGStore) Create(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = ids.NewFor(ids.PrefixIdentity)
	}
	_, err := s.db.ExecContext(ctx,
		`insert into identities(id, phone, email, password_hash, full_name, active)
		 values($1,$2,$3,$4,$5,$6)`,
		id.ID, NormalizeContact(id.Phone), NormalizeContact(id.Email),
		id.PasswordHash, id.FullName, id.Active,
	)
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, phone, email, password_hash, full_name, active, created_at, updated_at
		 from identities where id=$1`, id)
	return scanIdentity(row)
}

func (s *PGStore) FindByContact(ctx context.Context, identifier string) (*Identity, error) {
	identifier = NormalizeContact(identifier)
	if identifier == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`select id, phone, email, password_hash, full_name, active, created_at, updated_at
		 from identities where phone=$1 or email=$1`, identifier)
	return scanIdentity(row)
}

func (s *PGStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set active=$2, updated_at=now() where id=$1`, id, active)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*Identity, error) {
	var id Identity
	err := row.Scan(&id.ID, &id.Phone, &id.Email, &id.PasswordHash, &id.FullName,
		&id.Active, &id.CreatedAt, &id.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

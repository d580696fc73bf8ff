package otp

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

func (s *PGStore) Upsert(ctx context.Context, c *Challenge) error {
	if c.ID == "" {
		c.ID = ids.NewFor(ids.PrefixChallenge)
	}
	_, err := s.db.ExecContext(ctx,
		`insert into otp_challenges(id, identifier, code_hash, attempts, expires_at, created_at)
		 values($1,$2,$3,0,$4,$5)
		 on conflict (identifier) do update
		 set id=excluded.id, code_hash=excluded.code_hash, attempts=0,
		     expires_at=excluded.expires_at, created_at=excluded.created_at`,
		c.ID, c.Identifier, c.CodeHash, c.ExpiresAt, c.CreatedAt,
	)
	return err
}

func (s *PGStore) Find(ctx context.Context, identifier string) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, identifier, code_hash, attempts, expires_at, created_at
		 from otp_challenges where identifier=$1`, identifier)
	var c Challenge
	err := row.Scan(&c.ID, &c.Identifier, &c.CodeHash, &c.Attempts, &c.ExpiresAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PGStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`update otp_challenges set attempts = attempts + 1 where id=$1 returning attempts`, id)
	var attempts int
	err := row.Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from otp_challenges where id=$1`, id)
	return err
}

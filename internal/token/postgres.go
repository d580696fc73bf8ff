package token

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var _ RevocationStore = (*PGRevocations)(nil)

// PGRevocations is the Postgres revocation list. Rows are append-only and
// keyed by token hash for O(1) lookup; they are never reused as audit rows.
type PGRevocations struct {
	db *sql.DB
}

func NewPGRevocations(db *sql.DB) *PGRevocations {
	return &PGRevocations{db: db}
}

func (s *PGRevocations) Add(ctx context.Context, hash, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`insert into revoked_tokens(token_hash, reason, revoked_at)
		 values($1,$2,$3)
		 on conflict (token_hash) do nothing`,
		hash, reason, at,
	)
	return err
}

func (s *PGRevocations) Contains(ctx context.Context, hash string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`select 1 from revoked_tokens where token_hash=$1`, hash)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeBefore removes revocation rows for tokens whose natural expiry plus
// the refresh window has long passed; they can no longer verify anyway.
func (s *PGRevocations) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from revoked_tokens where revoked_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Failures are append-only rows;
// counting over an indexed (identifier, occurred_at) pair gives the
// read-your-writes guarantee without an explicit counter row.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) RecordFailure(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`insert into login_failures(identifier, reason, ip, user_agent, occurred_at)
		 values($1,$2,$3,$4,$5)`,
		a.Identifier, a.Reason, a.IP, a.UserAgent, a.At,
	)
	return err
}

func (s *PGStore) CountFailures(ctx context.Context, identifier string, since time.Time) (int, time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`select count(*), coalesce(max(occurred_at), 'epoch'::timestamptz)
		 from login_failures where identifier=$1 and occurred_at >= $2`,
		identifier, since)
	var (
		count int
		last  time.Time
	)
	if err := row.Scan(&count, &last); err != nil {
		return 0, time.Time{}, err
	}
	return count, last, nil
}

func (s *PGStore) DistinctSources(ctx context.Context, identifier string, since time.Time) (int, int, error) {
	row := s.db.QueryRowContext(ctx,
		`select count(distinct ip) filter (where ip <> ''),
		        count(distinct user_agent) filter (where user_agent <> '')
		 from login_failures
		 where identifier=$1 and occurred_at >= $2`,
		identifier, since)
	var ips, agents int
	if err := row.Scan(&ips, &agents); err != nil {
		return 0, 0, err
	}
	return ips, agents, nil
}

func (s *PGStore) ClearFailures(ctx context.Context, identifier string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from login_failures where identifier=$1`, identifier)
	return err
}

func (s *PGStore) UpsertBlock(ctx context.Context, b Block) error {
	_, err := s.db.ExecContext(ctx,
		`insert into identifier_blocks(identifier, reason, created_by, created_at, expires_at)
		 values($1,$2,$3,$4,$5)
		 on conflict (identifier) do update
		 set reason=excluded.reason, created_by=excluded.created_by,
		     created_at=excluded.created_at, expires_at=excluded.expires_at`,
		b.Identifier, b.Reason, b.CreatedBy, b.CreatedAt, b.ExpiresAt,
	)
	return err
}

func (s *PGStore) FindBlock(ctx context.Context, identifier string, now time.Time) (*Block, error) {
	row := s.db.QueryRowContext(ctx,
		`select identifier, reason, created_by, created_at, expires_at
		 from identifier_blocks where identifier=$1 and expires_at > $2`,
		identifier, now)
	var b Block
	err := row.Scan(&b.Identifier, &b.Reason, &b.CreatedBy, &b.CreatedAt, &b.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoBlock
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PGStore) DeleteBlock(ctx context.Context, identifier string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from identifier_blocks where identifier=$1`, identifier)
	return err
}

func (s *PGStore) PurgeExpired(ctx context.Context, failuresBefore, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from login_failures where occurred_at < $1`, failuresBefore)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	res, err = s.db.ExecContext(ctx,
		`delete from identifier_blocks where expires_at <= $1`, now)
	if err != nil {
		return n, err
	}
	if m, err := res.RowsAffected(); err == nil {
		n += m
	}
	return n, nil
}

package emergency

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"skolar.io/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore keeps action records in the append-only emergency_actions table.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, rec *ActionRecord) error {
	if rec.ID == "" {
		rec.ID = ids.NewFor(ids.PrefixEmergency)
	}
	_, err := s.db.ExecContext(ctx,
		`insert into emergency_actions(
		    id, target_type, target_id, action, reason, actor_id,
		    affected_sessions, disabled_until, reversed, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,false,$9)`,
		rec.ID, rec.TargetType, rec.TargetID, rec.Action, rec.Reason,
		rec.ActorID, rec.AffectedSessions, rec.DisabledUntil, rec.CreatedAt,
	)
	return err
}

func (s *PGStore) LatestDisable(ctx context.Context, targetType, targetID string) (*ActionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, target_type, target_id, action, reason, actor_id,
		        affected_sessions, disabled_until, reversed,
		        reversed_at, coalesce(reversed_by, ''), created_at
		 from emergency_actions
		 where target_type=$1 and target_id=$2 and action=$3 and not reversed
		 order by created_at desc
		 limit 1`,
		targetType, targetID, ActionDisable)
	var rec ActionRecord
	err := row.Scan(
		&rec.ID, &rec.TargetType, &rec.TargetID, &rec.Action, &rec.Reason,
		&rec.ActorID, &rec.AffectedSessions, &rec.DisabledUntil, &rec.Reversed,
		&rec.ReversedAt, &rec.ReversedBy, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PGStore) MarkReversed(ctx context.Context, id, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update emergency_actions
		 set reversed=true, reversed_at=$2, reversed_by=$3
		 where id=$1 and not reversed`,
		id, at, by)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

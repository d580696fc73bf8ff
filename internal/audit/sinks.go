package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// PGSink appends events to the audit_log table.
type PGSink struct {
	db *sql.DB
}

var _ Sink = (*PGSink)(nil)

func NewPGSink(db *sql.DB) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Write(ctx context.Context, e Event) error {
	details, _ := json.Marshal(e.Details)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(id, occurred_at, action, actor_id, resource_type, resource_id, details)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.OccurredAt, e.Action, e.ActorID, e.ResourceType, e.ResourceID, details,
	)
	return err
}

// LogSink mirrors events onto the structured log.
type LogSink struct {
	log zerolog.Logger
}

var _ Sink = (*LogSink)(nil)

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Write(_ context.Context, e Event) error {
	s.log.Info().
		Str("type", "audit").
		Str("event_id", e.ID).
		Str("action", e.Action).
		Str("actor_id", e.ActorID).
		Str("resource_type", e.ResourceType).
		Str("resource_id", e.ResourceID).
		Interface("details", e.Details).
		Time("occurred_at", e.OccurredAt).
		Send()
	return nil
}

// NATSSink publishes events to a subject for downstream consumers
// (compliance exports, alerting). Fire-and-forget publish.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

var _ Sink = (*NATSSink)(nil)

func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = "skolar.audit"
	}
	return &NATSSink{conn: conn, subject: subject}
}

func (s *NATSSink) Write(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject, data)
}

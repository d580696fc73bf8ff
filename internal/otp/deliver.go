package otp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSDeliverer hands codes to the messaging platform over NATS. The
// subscriber on the other end owns channel routing (SMS, WhatsApp, email).
type NATSDeliverer struct {
	conn    *nats.Conn
	subject string
}

func NewNATSDeliverer(conn *nats.Conn, subject string) *NATSDeliverer {
	if subject == "" {
		subject = "skolar.otp.deliver"
	}
	return &NATSDeliverer{conn: conn, subject: subject}
}

func (d *NATSDeliverer) Deliver(ctx context.Context, identifier, code string, expiresAt time.Time) error {
	payload, err := json.Marshal(map[string]any{
		"identifier": identifier,
		"code":       code,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return d.conn.Publish(d.subject, payload)
}

// LogDeliverer writes codes to the log. Development only; the code is a
// secret and must never reach production logs.
type LogDeliverer struct {
	log zerolog.Logger
}

func NewLogDeliverer(log zerolog.Logger) *LogDeliverer {
	return &LogDeliverer{log: log}
}

func (d *LogDeliverer) Deliver(ctx context.Context, identifier, code string, expiresAt time.Time) error {
	d.log.Warn().
		Str("identifier", identifier).
		Str("code", code).
		Time("expires_at", expiresAt).
		Msg("otp delivery (dev mode)")
	return nil
}

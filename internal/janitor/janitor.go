// Package janitor runs the periodic retention sweep: dead session rows,
// stale login failures and expired blocks, and revocation entries older than
// the refresh window. Live-session expiry checks never depend on it.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"skolar.io/internal/ratelimit"
	"skolar.io/internal/session"
)

// RevocationPurger removes revocation entries older than a cutoff.
type RevocationPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Janitor struct {
	sessions    *session.Service
	limiter     *ratelimit.Service
	revocations RevocationPurger
	// revocationRetention should be at least the refresh window; a revoked
	// token must stay on the list for as long as it could still refresh.
	revocationRetention time.Duration
	interval            time.Duration
	log                 zerolog.Logger
	now                 func() time.Time
}

func New(
	sessions *session.Service,
	limiter *ratelimit.Service,
	revocations RevocationPurger,
	revocationRetention time.Duration,
	interval time.Duration,
	log zerolog.Logger,
) *Janitor {
	return &Janitor{
		sessions:            sessions,
		limiter:             limiter,
		revocations:         revocations,
		revocationRetention: revocationRetention,
		interval:            interval,
		log:                 log,
		now:                 time.Now,
	}
}

// Start blocks until ctx is cancelled, sweeping once per interval.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.log.Info().Dur("interval", j.interval).Msg("janitor started")
	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Each step is independent: a failing store call
// is logged and the remaining steps still run.
func (j *Janitor) Sweep(ctx context.Context) {
	if n, err := j.sessions.CleanupExpired(ctx); err != nil {
		j.log.Error().Err(err).Msg("session cleanup")
	} else if n > 0 {
		j.log.Info().Int64("removed", n).Msg("expired sessions cleaned")
	}

	if j.limiter != nil {
		if n, err := j.limiter.Purge(ctx); err != nil {
			j.log.Error().Err(err).Msg("rate limit purge")
		} else if n > 0 {
			j.log.Info().Int64("removed", n).Msg("stale rate limit state purged")
		}
	}

	if j.revocations != nil {
		cutoff := j.now().Add(-j.revocationRetention)
		if n, err := j.revocations.PurgeBefore(ctx, cutoff); err != nil {
			j.log.Error().Err(err).Msg("revocation purge")
		} else if n > 0 {
			j.log.Info().Int64("removed", n).Msg("old revocations purged")
		}
	}
}

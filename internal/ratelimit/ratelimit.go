package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrNoBlock is returned by stores when no unexpired block exists.
var ErrNoBlock = errors.New("ratelimit: no active block")

// Attempt is one recorded login failure.
type Attempt struct {
	Identifier string
	Reason     string
	IP         string
	UserAgent  string
	At         time.Time
}

// Block is an explicit deny entry, set by an administrator or by the
// suspicious-activity heuristic.
type Block struct {
	Identifier string
	Reason     string
	CreatedBy  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Decision is the advisory gate result.
type Decision struct {
	Allowed bool
	RetryAt time.Time
}

// Store persists failure attempts and blocks. Writes must be append-only or
// atomic so concurrent attempts against one identifier cannot lose updates,
// and a recorded failure must be visible to the next count on the same
// identifier.
type Store interface {
	RecordFailure(ctx context.Context, a Attempt) error
	// CountFailures returns the number of failures since the given time and
	// the timestamp of the most recent one.
	CountFailures(ctx context.Context, identifier string, since time.Time) (int, time.Time, error)
	// DistinctSources counts distinct IPs and user agents since the given time.
	DistinctSources(ctx context.Context, identifier string, since time.Time) (ips, agents int, err error)
	ClearFailures(ctx context.Context, identifier string) error

	UpsertBlock(ctx context.Context, b Block) error
	// FindBlock returns the block for the identifier if it has not expired.
	FindBlock(ctx context.Context, identifier string, now time.Time) (*Block, error)
	DeleteBlock(ctx context.Context, identifier string) error

	// PurgeExpired drops failure rows older than the cutoff and expired
	// blocks; used by maintenance.
	PurgeExpired(ctx context.Context, failuresBefore, now time.Time) (int64, error)
}

// Config tunes the limiter.
type Config struct {
	MaxFailures           int
	Window                time.Duration
	Cooldown              time.Duration
	MaxDistinctIPs        int
	MaxDistinctUserAgents int
}

// Logger is the minimal logging surface the limiter needs for best-effort
// paths that must not fail the caller.
type Logger interface {
	Warn(msg string, err error, identifier string)
}

// Service evaluates the advisory gates that run before identity lookup.
type Service struct {
	store Store
	cfg   Config
	log   Logger
	now   func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(store Store, cfg Config, log Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	if cfg.MaxFailures <= 0 || cfg.Window <= 0 {
		return nil, errors.New("ratelimit: max failures and window must be positive")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = cfg.Window
	}
	svc := &Service{store: store, cfg: cfg, log: log, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CheckLoginFailures reports whether the identifier has exceeded the failure
// threshold inside the window, and when a retry becomes permitted.
func (s *Service) CheckLoginFailures(ctx context.Context, identifier string) (Decision, error) {
	now := s.now()
	count, last, err := s.store.CountFailures(ctx, identifier, now.Add(-s.cfg.Window))
	if err != nil {
		return Decision{}, err
	}
	if count < s.cfg.MaxFailures {
		return Decision{Allowed: true}, nil
	}
	retry := last.Add(s.cfg.Cooldown)
	if !now.Before(retry) {
		// Cooldown already elapsed; the stale rows purge on the next sweep.
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAt: retry}, nil
}

// RecordFailure appends a failure attempt. It never returns an error: a
// limiter bookkeeping failure must not crash the authentication flow.
func (s *Service) RecordFailure(ctx context.Context, identifier, reason, ip, userAgent string) {
	err := s.store.RecordFailure(ctx, Attempt{
		Identifier: identifier,
		Reason:     reason,
		IP:         ip,
		UserAgent:  userAgent,
		At:         s.now(),
	})
	if err != nil && s.log != nil {
		s.log.Warn("record login failure", err, identifier)
	}
}

// ClearFailures resets the counter after a successful authentication.
func (s *Service) ClearFailures(ctx context.Context, identifier string) {
	if err := s.store.ClearFailures(ctx, identifier); err != nil && s.log != nil {
		s.log.Warn("clear login failures", err, identifier)
	}
}

// CheckSuspicious applies the source-velocity heuristic: too many distinct
// IPs or user agents against one identifier inside the window denies the
// request even when the failure counter would allow it. A hit installs a
// heuristic block so subsequent attempts short-circuit at the block check.
func (s *Service) CheckSuspicious(ctx context.Context, identifier, ip, userAgent string) (bool, string, error) {
	now := s.now()
	ips, agents, err := s.store.DistinctSources(ctx, identifier, now.Add(-s.cfg.Window))
	if err != nil {
		return false, "", err
	}
	var reason string
	switch {
	case s.cfg.MaxDistinctIPs > 0 && ips > s.cfg.MaxDistinctIPs:
		reason = "too many source addresses"
	case s.cfg.MaxDistinctUserAgents > 0 && agents > s.cfg.MaxDistinctUserAgents:
		reason = "too many distinct clients"
	default:
		return true, "", nil
	}
	blockErr := s.store.UpsertBlock(ctx, Block{
		Identifier: identifier,
		Reason:     reason,
		CreatedBy:  "heuristic",
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Cooldown),
	})
	if blockErr != nil && s.log != nil {
		s.log.Warn("install heuristic block", blockErr, identifier)
	}
	return false, reason, nil
}

// ActiveBlock returns the explicit block for the identifier, or nil.
func (s *Service) ActiveBlock(ctx context.Context, identifier string) (*Block, error) {
	b, err := s.store.FindBlock(ctx, identifier, s.now())
	if errors.Is(err, ErrNoBlock) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// BlockFor installs an administrator block.
func (s *Service) BlockFor(ctx context.Context, identifier, reason, createdBy string, d time.Duration) error {
	now := s.now()
	return s.store.UpsertBlock(ctx, Block{
		Identifier: identifier,
		Reason:     reason,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		ExpiresAt:  now.Add(d),
	})
}

// Unblock removes an explicit block.
func (s *Service) Unblock(ctx context.Context, identifier string) error {
	return s.store.DeleteBlock(ctx, identifier)
}

// Purge drops stale failure rows and expired blocks.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	now := s.now()
	return s.store.PurgeExpired(ctx, now.Add(-s.cfg.Window), now)
}

package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"skolar.io/internal/identity"
)

var (
	ErrNotFound     = errors.New("otp: no active challenge")
	ErrMismatch     = errors.New("otp: code mismatch")
	ErrExpired      = errors.New("otp: challenge expired")
	ErrTooManyTries = errors.New("otp: attempt limit reached")
)

const codeDigits = 6

// Challenge is a pending one-time code. Only the hash is stored.
type Challenge struct {
	ID         string
	Identifier string
	CodeHash   string
	Attempts   int
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Store persists challenges.
type Store interface {
	// Upsert replaces any pending challenge for the identifier.
	Upsert(ctx context.Context, c *Challenge) error
	Find(ctx context.Context, identifier string) (*Challenge, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
}

// Deliverer hands the code to the messaging collaborator (SMS/WhatsApp/email
// routing is outside this subsystem).
type Deliverer interface {
	Deliver(ctx context.Context, identifier, code string, expiresAt time.Time) error
}

// Config tunes challenge lifetime and the attempt cap.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
}

// Service issues and verifies one-time codes.
type Service struct {
	store   Store
	deliver Deliverer
	cfg     Config
	now     func() time.Time
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

func NewService(store Store, deliver Deliverer, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("otp: store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	svc := &Service{store: store, deliver: deliver, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Generate issues a fresh challenge for the identifier and hands the code to
// the delivery collaborator. Any previous pending challenge is replaced.
func (s *Service) Generate(ctx context.Context, identifier string) (*Challenge, error) {
	identifier = identity.NormalizeContact(identifier)
	if identifier == "" {
		return nil, errors.New("otp: identifier is required")
	}
	code, err := randomCode()
	if err != nil {
		return nil, err
	}
	now := s.now()
	c := &Challenge{
		Identifier: identifier,
		CodeHash:   HashCode(code),
		ExpiresAt:  now.Add(s.cfg.TTL),
		CreatedAt:  now,
	}
	if err := s.store.Upsert(ctx, c); err != nil {
		return nil, err
	}
	if s.deliver != nil {
		if err := s.deliver.Deliver(ctx, identifier, code, c.ExpiresAt); err != nil {
			// The challenge is unusable if the code never arrives.
			_ = s.store.Delete(ctx, c.ID)
			return nil, fmt.Errorf("otp: deliver code: %w", err)
		}
	}
	return c, nil
}

// Verify checks the submitted code against the pending challenge. A correct
// code consumes the challenge; a wrong one burns an attempt.
func (s *Service) Verify(ctx context.Context, identifier, code string) error {
	identifier = identity.NormalizeContact(identifier)
	c, err := s.store.Find(ctx, identifier)
	if err != nil {
		return err
	}
	if !s.now().Before(c.ExpiresAt) {
		_ = s.store.Delete(ctx, c.ID)
		return ErrExpired
	}
	if c.Attempts >= s.cfg.MaxAttempts {
		return ErrTooManyTries
	}
	if HashCode(code) != c.CodeHash {
		attempts, incErr := s.store.IncrementAttempts(ctx, c.ID)
		if incErr == nil && attempts >= s.cfg.MaxAttempts {
			return ErrTooManyTries
		}
		return ErrMismatch
	}
	return s.store.Delete(ctx, c.ID)
}

// HashCode returns the storage form of a code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func randomCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

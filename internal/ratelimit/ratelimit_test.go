package ratelimit

import (
	"context"
	"testing"
	"time"
)

type memStore struct {
	attempts []Attempt
	blocks   map[string]Block
}

func newMemStore() *memStore {
	return &memStore{blocks: map[string]Block{}}
}

func (m *memStore) RecordFailure(_ context.Context, a Attempt) error {
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memStore) CountFailures(_ context.Context, identifier string, since time.Time) (int, time.Time, error) {
	var count int
	var last time.Time
	for _, a := range m.attempts {
		if a.Identifier == identifier && !a.At.Before(since) {
			count++
			if a.At.After(last) {
				last = a.At
			}
		}
	}
	return count, last, nil
}

func (m *memStore) DistinctSources(_ context.Context, identifier string, since time.Time) (int, int, error) {
	ips := map[string]bool{}
	agents := map[string]bool{}
	for _, a := range m.attempts {
		if a.Identifier == identifier && !a.At.Before(since) && a.IP != "" {
			ips[a.IP] = true
			agents[a.UserAgent] = true
		}
	}
	return len(ips), len(agents), nil
}

func (m *memStore) ClearFailures(_ context.Context, identifier string) error {
	kept := m.attempts[:0]
	for _, a := range m.attempts {
		if a.Identifier != identifier {
			kept = append(kept, a)
		}
	}
	m.attempts = kept
	return nil
}

func (m *memStore) UpsertBlock(_ context.Context, b Block) error {
	m.blocks[b.Identifier] = b
	return nil
}

func (m *memStore) FindBlock(_ context.Context, identifier string, now time.Time) (*Block, error) {
	b, ok := m.blocks[identifier]
	if !ok || !b.ExpiresAt.After(now) {
		return nil, ErrNoBlock
	}
	return &b, nil
}

func (m *memStore) DeleteBlock(_ context.Context, identifier string) error {
	delete(m.blocks, identifier)
	return nil
}

func (m *memStore) PurgeExpired(_ context.Context, failuresBefore, now time.Time) (int64, error) {
	var n int64
	kept := m.attempts[:0]
	for _, a := range m.attempts {
		if a.At.Before(failuresBefore) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	for k, b := range m.blocks {
		if !b.ExpiresAt.After(now) {
			delete(m.blocks, k)
			n++
		}
	}
	return n, nil
}

func newLimiter(t *testing.T, now *time.Time) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	svc, err := NewService(store, Config{
		MaxFailures:           5,
		Window:                15 * time.Minute,
		Cooldown:              15 * time.Minute,
		MaxDistinctIPs:        5,
		MaxDistinctUserAgents: 5,
	}, nil, WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatal(err)
	}
	return svc, store
}

func TestAllowedBelowThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, _ := newLimiter(t, &now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		svc.RecordFailure(ctx, "user@example.com", "bad password", "10.0.0.1", "ua")
	}
	d, err := svc.CheckLoginFailures(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("four failures with a threshold of five must be allowed")
	}
}

func TestDeniedAtThresholdWithRetryAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, _ := newLimiter(t, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, "user@example.com", "bad password", "10.0.0.1", "ua")
	}
	d, err := svc.CheckLoginFailures(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("fifth failure must deny")
	}
	if want := now.Add(15 * time.Minute); !d.RetryAt.Equal(want) {
		t.Fatalf("retry at %v, want %v", d.RetryAt, want)
	}
}

func TestAllowedAfterCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, _ := newLimiter(t, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, "user@example.com", "bad password", "10.0.0.1", "ua")
	}
	now = now.Add(16 * time.Minute)
	d, err := svc.CheckLoginFailures(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("cooldown elapsed, should allow: %+v", d)
	}
}

func TestClearFailuresResets(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, _ := newLimiter(t, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, "user@example.com", "bad password", "10.0.0.1", "ua")
	}
	svc.ClearFailures(ctx, "user@example.com")
	d, err := svc.CheckLoginFailures(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("cleared identifier must be allowed again")
	}
}

func TestSuspiciousSourceVelocityInstallsBlock(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, store := newLimiter(t, &now)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		ip := string(rune('a'+i)) + ".example"
		svc.RecordFailure(ctx, "user@example.com", "bad password", ip, "ua-"+string(rune('a'+i)))
	}
	ok, reason, err := svc.CheckSuspicious(ctx, "user@example.com", "z.example", "ua-z")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("six distinct IPs over a cap of five must be suspicious")
	}
	if reason == "" {
		t.Fatal("expected a heuristic reason")
	}
	b, ok2 := store.blocks["user@example.com"]
	if !ok2 || b.CreatedBy != "heuristic" {
		t.Fatalf("heuristic block not installed: %+v", b)
	}

	blk, err := svc.ActiveBlock(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if blk == nil {
		t.Fatal("installed block must be active")
	}
}

func TestBlockExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, _ := newLimiter(t, &now)
	ctx := context.Background()

	if err := svc.BlockFor(ctx, "user@example.com", "manual review", "admin", time.Hour); err != nil {
		t.Fatal(err)
	}
	b, err := svc.ActiveBlock(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.CreatedBy != "admin" {
		t.Fatalf("expected admin block, got %+v", b)
	}

	now = now.Add(2 * time.Hour)
	b, err = svc.ActiveBlock(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatal("expired block must not be returned")
	}
}

func TestPurgeDropsStaleState(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, store := newLimiter(t, &now)
	ctx := context.Background()

	svc.RecordFailure(ctx, "user@example.com", "bad password", "10.0.0.1", "ua")
	if err := svc.BlockFor(ctx, "other@example.com", "manual", "admin", time.Minute); err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Hour)
	n, err := svc.Purge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 purged entries, got %d", n)
	}
	if len(store.attempts) != 0 || len(store.blocks) != 0 {
		t.Fatal("purge left stale state behind")
	}
}

package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis. Failure attempts live in a per
// identifier sorted set scored by time, distinct sources in plain sets, and
// blocks as JSON values; every key carries a TTL so no sweep is needed.
type RedisStore struct {
	rdb    *redis.Client
	window time.Duration
}

func NewRedisStore(rdb *redis.Client, window time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, window: window}
}

func failKey(id string) string  { return "rl:fail:" + id }
func ipKey(id string) string    { return "rl:ip:" + id }
func uaKey(id string) string    { return "rl:ua:" + id }
func blockKey(id string) string { return "rl:block:" + id }

func (s *RedisStore) RecordFailure(ctx context.Context, a Attempt) error {
	score := float64(a.At.UnixNano())
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, failKey(a.Identifier), redis.Z{
		Score:  score,
		Member: strconv.FormatInt(a.At.UnixNano(), 10) + ":" + a.Reason,
	})
	pipe.Expire(ctx, failKey(a.Identifier), s.window)
	if a.IP != "" {
		pipe.SAdd(ctx, ipKey(a.Identifier), a.IP)
		pipe.Expire(ctx, ipKey(a.Identifier), s.window)
	}
	if a.UserAgent != "" {
		pipe.SAdd(ctx, uaKey(a.Identifier), a.UserAgent)
		pipe.Expire(ctx, uaKey(a.Identifier), s.window)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CountFailures(ctx context.Context, identifier string, since time.Time) (int, time.Time, error) {
	key := failKey(identifier)
	min := strconv.FormatInt(since.UnixNano(), 10)
	count, err := s.rdb.ZCount(ctx, key, min, "+inf").Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 0 {
		return 0, time.Time{}, nil
	}
	zs, err := s.rdb.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return int(count), time.Time{}, err
	}
	var last time.Time
	if len(zs) > 0 {
		last = time.Unix(0, int64(zs[0].Score))
	}
	return int(count), last, nil
}

func (s *RedisStore) DistinctSources(ctx context.Context, identifier string, _ time.Time) (int, int, error) {
	ips, err := s.rdb.SCard(ctx, ipKey(identifier)).Result()
	if err != nil {
		return 0, 0, err
	}
	agents, err := s.rdb.SCard(ctx, uaKey(identifier)).Result()
	if err != nil {
		return 0, 0, err
	}
	return int(ips), int(agents), nil
}

func (s *RedisStore) ClearFailures(ctx context.Context, identifier string) error {
	return s.rdb.Del(ctx, failKey(identifier), ipKey(identifier), uaKey(identifier)).Err()
}

func (s *RedisStore) UpsertBlock(ctx context.Context, b Block) error {
	ttl := time.Until(b.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("ratelimit: block already expired at %s", b.ExpiresAt)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, blockKey(b.Identifier), data, ttl).Err()
}

func (s *RedisStore) FindBlock(ctx context.Context, identifier string, now time.Time) (*Block, error) {
	data, err := s.rdb.Get(ctx, blockKey(identifier)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoBlock
	}
	if err != nil {
		return nil, err
	}
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	if !b.ExpiresAt.After(now) {
		return nil, ErrNoBlock
	}
	return &b, nil
}

func (s *RedisStore) DeleteBlock(ctx context.Context, identifier string) error {
	return s.rdb.Del(ctx, blockKey(identifier)).Err()
}

// PurgeExpired is a no-op: key TTLs handle expiry.
func (s *RedisStore) PurgeExpired(ctx context.Context, _, _ time.Time) (int64, error) {
	return 0, nil
}

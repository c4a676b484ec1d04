package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements UsageStore and NonceStore on Redis, for deployments
// where counters must be shared across instances. INCR gives the atomic
// increment; IncrementUsageBelow offers the compare-and-increment the
// free-trial path needs when several instances race on one counter.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	nonceTTL time.Duration
}

// NewRedisStore creates a Redis-backed store. nonceTTL bounds how long
// recorded nonces stay visible; it should be at least the challenge max age.
func NewRedisStore(client *redis.Client, nonceTTL time.Duration) *RedisStore {
	if nonceTTL <= 0 {
		nonceTTL = 10 * time.Minute
	}
	return &RedisStore{
		client:   client,
		prefix:   "agentkit:",
		nonceTTL: nonceTTL,
	}
}

// incrBelow increments a counter only while it is under a cap, atomically.
var incrBelow = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current < tonumber(ARGV[1]) then
	return redis.call("INCR", KEYS[1])
end
return -1
`)

func (s *RedisStore) usageKey(endpoint, humanID string) string {
	return s.prefix + "usage:" + endpoint + "|" + humanID
}

func (s *RedisStore) GetUsageCount(ctx context.Context, endpoint, humanID string) (int64, error) {
	count, err := s.client.Get(ctx, s.usageKey(endpoint, humanID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return count, nil
}

func (s *RedisStore) IncrementUsage(ctx context.Context, endpoint, humanID string) error {
	if err := s.client.Incr(ctx, s.usageKey(endpoint, humanID)).Err(); err != nil {
		return fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return nil
}

// IncrementUsageBelow atomically increments the counter if it is below cap.
// It returns false when the counter had already reached the cap.
func (s *RedisStore) IncrementUsageBelow(ctx context.Context, endpoint, humanID string, limit int64) (bool, error) {
	res, err := incrBelow.Run(ctx, s.client, []string{s.usageKey(endpoint, humanID)}, limit).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return res >= 0, nil
}

func (s *RedisStore) HasUsedNonce(ctx context.Context, nonce string) (bool, error) {
	val, err := s.client.Exists(ctx, s.prefix+"nonce:"+nonce).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return val > 0, nil
}

func (s *RedisStore) RecordNonce(ctx context.Context, nonce string) error {
	if err := s.client.Set(ctx, s.prefix+"nonce:"+nonce, "1", s.nonceTTL).Err(); err != nil {
		return fmt.Errorf("failed to record nonce: %w", err)
	}
	return nil
}

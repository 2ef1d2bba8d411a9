package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantrails/signalbench/internal/timeutil"
)

// redisHashKey is the hash that holds every cooldown entry, field = Key
// string, value = canonical UTC timestamp.
const redisHashKey = "signalbench:cooldowns"

// RedisStore persists cooldown entries in a single Redis hash. HSET acks
// only after the server applied the write, which satisfies the
// durable-before-emit contract for a backtest session.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key Key) (time.Time, error) {
	val, err := s.client.HGet(ctx, redisHashKey, key.String()).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cooldown get: %w", err)
	}
	ts, err := timeutil.ParseTimestamp(val)
	if err != nil {
		return time.Time{}, fmt.Errorf("cooldown get: corrupt entry %q: %w", val, err)
	}
	return ts, nil
}

func (s *RedisStore) Set(ctx context.Context, key Key, ts time.Time) error {
	if err := s.client.HSet(ctx, redisHashKey, key.String(), timeutil.FormatTimestamp(ts)).Err(); err != nil {
		return fmt.Errorf("cooldown set: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadAll(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.client.HGetAll(ctx, redisHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cooldown load: %w", err)
	}

	out := make(map[string]time.Time, len(raw))
	for k, v := range raw {
		ts, err := timeutil.ParseTimestamp(v)
		if err != nil {
			// Corrupt entries are dropped rather than poisoning hydration.
			continue
		}
		out[k] = ts
	}
	return out, nil
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/storegate/internal/config"
)

// fixedWindowScript increments the key and starts its expiry on the first
// hit of a window. Returns: [count, pttl]
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// redisCallTimeout bounds every script call so a slow Redis cannot stall requests.
const redisCallTimeout = 100 * time.Millisecond

// RedisStore shares fixed-window counters between gateway instances.
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	owned  bool
}

// NewRedisClient builds a client from the rate limit Redis settings.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// NewRedisStore creates a store on client. If owned, Close closes the client.
func NewRedisStore(client *redis.Client, prefix string, limit int, window time.Duration, owned bool) *RedisStore {
	if prefix == "" {
		prefix = "storegate:rl:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		owned:  owned,
	}
}

// Allow runs the fixed-window script for key. Errors are returned to the
// caller, which fails open.
func (s *RedisStore) Allow(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	result, err := fixedWindowScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		s.window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(result) != 2 {
		return Decision{}, fmt.Errorf("redis rate limit: unexpected reply %v", result)
	}

	count := int(result[0])
	remaining := s.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= s.limit,
		Limit:     s.limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(result[1]) * time.Millisecond),
	}, nil
}

// Close releases the client when the store owns it.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and consumes one token atomically. Bucket state lives in a
// hash {tokens, last_refill}; keys expire once a bucket would be full again.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

local elapsed = now - last
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
local ttl = math.ceil((capacity - tokens) / rate) + 1
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys; defaults to "gradient:ratelimit:".
	Prefix string
}

// RedisStore shares token buckets across relay instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("ratelimit: redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gradient:ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Take(ctx context.Context, key string, capacity, rate float64) (Decision, error) {
	now := float64(s.now().UnixMicro()) / 1e6
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key},
		strconv.FormatFloat(capacity, 'f', -1, 64),
		strconv.FormatFloat(rate, 'f', -1, 64),
		strconv.FormatFloat(now, 'f', 6, 64),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: run take script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := res[0].(int64)
	tokensStr, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: parse tokens %q: %w", tokensStr, err)
	}
	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed {
		d.RetryAfter = waitFor(tokens, rate)
	}
	return d, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

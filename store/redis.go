package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeTokenScript atomically performs the whole token bucket cycle: read
// state, apply linear refill with integer floor, consume one token when
// available, persist {tokens, refilled=now} with TTL=window. lastRefill is
// advanced even on rejection so the refill clock keeps moving. Missing or
// corrupt fields fall back to a full bucket.
// Returns [allowed, tokens, resetAtMs].
var consumeTokenScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled')
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])
if tokens == nil or refilled == nil then
    tokens = max
    refilled = now
end

local elapsed = now - refilled
if elapsed < 0 then
    elapsed = 0
end
tokens = tokens + math.floor(elapsed * max / window)
if tokens > max then
    tokens = max
end

local allowed = 0
if tokens > 0 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'refilled', now)
redis.call('PEXPIRE', KEYS[1], window)
return {allowed, tokens, now + window}
`)

// returnTokenScript gives one token back, capped at max. A missing bucket is
// left absent: absent state already means full capacity.
var returnTokenScript = redis.NewScript(`
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
if tokens == nil then
    return 0
end
local max = tonumber(ARGV[1])
if tokens < max then
    redis.call('HSET', KEYS[1], 'tokens', tokens + 1)
end
return 1
`)

// logAndCountScript atomically prunes entries that left the window, counts
// the survivors, and records the new member when under the limit. On
// rejection it reports how long until the oldest entry ages out.
// Returns [allowed, remaining, retryAfterMs].
var logAndCountScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', KEYS[1])
if count < max then
    redis.call('ZADD', KEYS[1], now, member)
    redis.call('PEXPIRE', KEYS[1], window)
    return {1, max - count - 1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// Redis is a Redis-backed implementation of Store suitable for distributed
// deployments. All compound operations run as server-side Lua scripts so that
// concurrent evaluations of the same key across many processes serialize on
// the Redis side; the client never does a read-then-write round trip.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code from environment
// variables, config files, or other sources. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace rate limit data (default: "ratelimit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
//
// Example:
//
//	store, err := store.NewRedis(store.RedisConfig{
//		URL:      "localhost:6379",
//		Password: "",
//		DB:       0,
//		Prefix:   "ratelimit:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "ratelimit:"
	}

	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
	}, nil
}

// ConsumeToken atomically refills and consumes from the token bucket at key.
func (r *Redis) ConsumeToken(ctx context.Context, key string, max int64, window time.Duration, now time.Time) (TokenResult, error) {
	result, err := consumeTokenScript.Run(ctx, r.client, []string{r.prefix + key},
		max, window.Milliseconds(), now.UnixMilli()).Slice()
	if err != nil {
		return TokenResult{}, fmt.Errorf("redis consume token failed: %w", err)
	}

	allowed, tokens, resetAtMs, err := parseTriple(result)
	if err != nil {
		return TokenResult{}, fmt.Errorf("redis consume token: %w", err)
	}

	return TokenResult{
		Allowed:   allowed == 1,
		Remaining: tokens,
		ResetAt:   time.UnixMilli(resetAtMs),
	}, nil
}

// LogAndCount atomically prunes, counts, and conditionally appends to the
// sliding-window log at key.
func (r *Redis) LogAndCount(ctx context.Context, key, member string, max int64, window time.Duration, now time.Time) (LogResult, error) {
	result, err := logAndCountScript.Run(ctx, r.client, []string{r.prefix + key},
		max, window.Milliseconds(), now.UnixMilli(), member).Slice()
	if err != nil {
		return LogResult{}, fmt.Errorf("redis log and count failed: %w", err)
	}

	allowed, remaining, retryMs, err := parseTriple(result)
	if err != nil {
		return LogResult{}, fmt.Errorf("redis log and count: %w", err)
	}

	return LogResult{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

// ReturnToken gives one token back to the bucket at key, capped at max.
func (r *Redis) ReturnToken(ctx context.Context, key string, max int64) error {
	if err := returnTokenScript.Run(ctx, r.client, []string{r.prefix + key}, max).Err(); err != nil {
		return fmt.Errorf("redis return token failed: %w", err)
	}
	return nil
}

// RemoveLogEntry removes a recorded member from the window log at key.
func (r *Redis) RemoveLogEntry(ctx context.Context, key, member string) error {
	if err := r.client.ZRem(ctx, r.prefix+key, member).Err(); err != nil {
		return fmt.Errorf("redis remove log entry failed: %w", err)
	}
	return nil
}

// Get retrieves the current value for the given key without mutating it:
// tokens remaining for a bucket key, entry count for a window-log key.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	fullKey := r.prefix + key

	kind, err := r.client.Type(ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}

	switch kind {
	case "hash":
		val, err := r.client.HGet(ctx, fullKey, "tokens").Int64()
		if err == redis.Nil {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("redis get failed: %w", err)
		}
		return val, nil
	case "zset":
		val, err := r.client.ZCard(ctx, fullKey).Result()
		if err != nil {
			return 0, fmt.Errorf("redis get failed: %w", err)
		}
		return val, nil
	default:
		return 0, nil
	}
}

// Reset removes all state for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func parseTriple(result []interface{}) (int64, int64, int64, error) {
	if len(result) != 3 {
		return 0, 0, 0, fmt.Errorf("unexpected result length: got %d, want 3", len(result))
	}
	vals := make([]int64, 3)
	for i, raw := range result {
		v, ok := raw.(int64)
		if !ok {
			return 0, 0, 0, fmt.Errorf("unexpected type at index %d: %T", i, raw)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}

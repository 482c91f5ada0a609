// Package ratelimit provides distributed per-key rate limiting backed by
// Redis, with an optional in-process fallback.
//
// The limiter uses fixed windows keyed by floor(now/window). The
// check-and-increment runs as a single Lua script, so it is atomic with
// respect to concurrent callers across all service instances: no interleaving
// can admit more than the ceiling within one window. Stale window buckets
// evict via PEXPIRE one full window after they close.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/service"
	"github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
)

// Config holds rate limiter configuration.
type Config struct {
	// KeyPrefix namespaces the Redis keys.
	KeyPrefix string
	// LocalFallback enables the in-process counter pool when Redis is
	// unreachable. Enforcement then becomes per-instance and approximate;
	// with fallback disabled a Redis failure denies (fail closed).
	LocalFallback bool
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{KeyPrefix: "custodia:rl", LocalFallback: false}
}

// checkAndIncrScript admits a request iff the current window's count is below
// the ceiling, incrementing only on admit. It returns
// {allowed, remaining, reset_ms} in all cases.
const checkAndIncrScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local window_start = now_ms - (now_ms % window_ms)
local bucket = key .. ':' .. window_start
local reset_ms = window_start + window_ms

local count = tonumber(redis.call('GET', bucket) or '0')
if count >= limit then
    return {0, 0, reset_ms}
end

count = redis.call('INCR', bucket)
if count == 1 then
    redis.call('PEXPIRE', bucket, (reset_ms - now_ms) + window_ms)
end
return {1, limit - count, reset_ms}
`

// peekScript reads the current window's budget without consuming a request.
const peekScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local window_start = now_ms - (now_ms % window_ms)
local bucket = key .. ':' .. window_start
local reset_ms = window_start + window_ms

local count = tonumber(redis.call('GET', bucket) or '0')
local remaining = limit - count
if remaining < 0 then remaining = 0 end
return {remaining, reset_ms}
`

// RedisRateLimiter implements service.RateLimitService on Redis.
type RedisRateLimiter struct {
	client   redis.UniversalClient
	cfg      Config
	log      logger.Logger
	clock    service.Clock
	fallback *localCounterPool

	checkAndIncr *redis.Script
	peek         *redis.Script
}

var _ service.RateLimitService = (*RedisRateLimiter)(nil)

// NewRedisRateLimiter creates a limiter. The clock is injectable for tests;
// pass service.SystemClock{} in production wiring.
func NewRedisRateLimiter(client redis.UniversalClient, cfg Config, clock service.Clock, log logger.Logger) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	rl := &RedisRateLimiter{
		client:       client,
		cfg:          cfg,
		log:          log.WithComponent("RedisRateLimiter"),
		clock:        clock,
		checkAndIncr: redis.NewScript(checkAndIncrScript),
		peek:         redis.NewScript(peekScript),
	}
	if cfg.LocalFallback {
		rl.fallback = newLocalCounterPool()
	}
	return rl, nil
}

// Allow performs the atomic check-and-increment for one request.
func (rl *RedisRateLimiter) Allow(ctx context.Context, keyID string, limit models.RateLimit) (*service.RateLimitResult, error) {
	now := rl.clock.Now()
	raw, err := rl.checkAndIncr.Run(ctx, rl.client,
		[]string{rl.bucketKey(keyID)},
		limit.Requests, limit.Window.Milliseconds(), now.UnixMilli(),
	).Result()
	if err != nil {
		return rl.fallbackAllow(ctx, keyID, limit, now, err)
	}

	allowed, remaining, resetAt, err := parseScriptResult(raw)
	if err != nil {
		return nil, errors.ErrInternal("rate limiter returned malformed result").WithCause(err)
	}
	return &service.RateLimitResult{
		Allowed:   allowed,
		Limit:     limit.Requests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Peek returns the current budget without consuming a request.
func (rl *RedisRateLimiter) Peek(ctx context.Context, keyID string, limit models.RateLimit) (*service.RateLimitResult, error) {
	now := rl.clock.Now()
	raw, err := rl.peek.Run(ctx, rl.client,
		[]string{rl.bucketKey(keyID)},
		limit.Requests, limit.Window.Milliseconds(), now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, errors.ErrInternal("rate limiter unavailable").WithCause(err)
	}

	remaining, resetAt, err := parsePeekResult(raw)
	if err != nil {
		return nil, errors.ErrInternal("rate limiter returned malformed result").WithCause(err)
	}
	return &service.RateLimitResult{
		Allowed:   remaining > 0,
		Limit:     limit.Requests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Reset clears every window bucket for a key.
func (rl *RedisRateLimiter) Reset(ctx context.Context, keyID string) error {
	pattern := rl.bucketKey(keyID) + ":*"
	iter := rl.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := rl.client.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.ErrInternal("failed to reset rate limit").WithCause(err)
		}
	}
	if err := iter.Err(); err != nil {
		return errors.ErrInternal("failed to reset rate limit").WithCause(err)
	}
	if rl.fallback != nil {
		rl.fallback.Remove(keyID)
	}
	return nil
}

func (rl *RedisRateLimiter) fallbackAllow(ctx context.Context, keyID string, limit models.RateLimit, now time.Time, cause error) (*service.RateLimitResult, error) {
	if rl.fallback == nil {
		return nil, errors.ErrInternal("rate limiter unavailable").WithCause(cause)
	}
	// Per-instance enforcement only; cross-instance accuracy is approximate
	// for the duration of the Redis outage.
	rl.log.Warn(ctx, "redis unavailable, engaging local rate-limit fallback",
		logger.String("key_id", keyID), logger.Err(cause))
	res := rl.fallback.Allow(keyID, limit, now)
	return res, nil
}

func (rl *RedisRateLimiter) bucketKey(keyID string) string {
	return fmt.Sprintf("%s:%s", rl.cfg.KeyPrefix, keyID)
}

// parseScriptResult decodes the {allowed, remaining, reset_ms} reply. Any
// shape other than three integers is reported as an error, never a panic: a
// malformed reply must surface as internal_error so validation fails closed.
func parseScriptResult(raw interface{}) (bool, int, time.Time, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("expected 3 values, got %T", raw)
	}
	flag, ok := vals[0].(int64)
	if !ok {
		return false, 0, time.Time{}, fmt.Errorf("allowed flag is %T, want int64", vals[0])
	}
	remaining, ok := vals[1].(int64)
	if !ok {
		return false, 0, time.Time{}, fmt.Errorf("remaining is %T, want int64", vals[1])
	}
	resetMs, ok := vals[2].(int64)
	if !ok {
		return false, 0, time.Time{}, fmt.Errorf("reset is %T, want int64", vals[2])
	}
	return flag == 1, int(remaining), time.UnixMilli(resetMs).UTC(), nil
}

// parsePeekResult decodes the {remaining, reset_ms} reply of the peek script.
func parsePeekResult(raw interface{}) (int, time.Time, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("expected 2 values, got %T", raw)
	}
	remaining, ok := vals[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("remaining is %T, want int64", vals[0])
	}
	resetMs, ok := vals[1].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("reset is %T, want int64", vals[1])
	}
	return int(remaining), time.UnixMilli(resetMs).UTC(), nil
}

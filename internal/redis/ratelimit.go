package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindowScript trims the window, checks capacity and records the new
// entry in one round trip so concurrent callers can never over-admit.
//
// KEYS[1] = sorted set key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = limit, ARGV[4] = member
// Returns {allowed (0|1), count after call, oldest score in window}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window + 1000)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding window rate limiting using Redis.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	prefix string
	now    func() time.Time
}

// NewRateLimiter creates a limiter for the HTTP API with a fixed limit.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{client: client, logger: logger, config: config, prefix: "ratelimit", now: time.Now}
}

// NewChannelLimiter creates the per-channel hourly limiter. Limits are passed per call.
func NewChannelLimiter(client *Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: RateLimitConfig{Window: time.Hour},
		prefix: "channel-rate",
		now:    time.Now,
	}
}

// Allow checks the configured limit for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.acquire(ctx, key, r.config.Limit)
}

// TryAcquire admits one send for a channel if fewer than limit were admitted
// in the trailing window. A limit of zero or less never denies.
func (r *RateLimiter) TryAcquire(ctx context.Context, channelID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	res, err := r.acquire(ctx, channelID, limit)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (r *RateLimiter) acquire(ctx context.Context, key string, limit int) (*RateLimitResult, error) {
	now := r.now()
	window := r.config.Window
	redisKey := fmt.Sprintf("%s:%s", r.prefix, key)
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	vals, err := slidingWindowScript.Run(ctx, r.client.rdb, []string{redisKey},
		now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected reply length %d", len(vals))
	}

	allowed := vals[0] == 1
	count := int(vals[1])
	resetAt := time.UnixMilli(vals[2]).Add(window)

	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", redisKey),
			zap.Int("current", count),
			zap.Int("limit", limit),
		)
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, limit-count),
		ResetAt:   resetAt,
	}, nil
}

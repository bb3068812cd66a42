package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var approveRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisApproveRateLimiter implements distributed per-admin rate limiting for
// approvals using Redis. A fixed window counter is enough here: the limit
// exists to slow a compromised or careless admin account down, not to shape
// traffic precisely.
type RedisApproveRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisApproveRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisApproveRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "scholarship:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	if window <= 0 {
		window = time.Minute
	}

	return &RedisApproveRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  limit,
		window: window,
	}
}

// ConsumeRateLimit counts one approval attempt for the admin and reports
// whether it fell within the window's limit. A zero limit or missing client
// disables limiting.
func (r *RedisApproveRateLimiter) ConsumeRateLimit(ctx context.Context, adminID string) (bool, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return true, nil
	}

	normalizedSubject := strings.TrimSpace(adminID)
	if normalizedSubject == "" {
		return true, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:approve:%s", r.prefix, normalizedSubject)
	rawResult, err := approveRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return false, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	return currentCount <= int64(r.limit), nil
}

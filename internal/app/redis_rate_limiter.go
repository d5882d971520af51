package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRateLimitKeyPrefix = "fundraising:rate_limit"
	minRateLimitWindow        = time.Second
)

// Counts one attempt and returns {attempts in window, ms until the window closes}.
// A counter that lost its expiry gets a fresh one so it cannot block forever.
var contributionWindowScript = redis.NewScript(`
local attempts = redis.call("INCR", KEYS[1])
if attempts == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  remaining = tonumber(ARGV[1])
end
return {attempts, remaining}
`)

// RedisContributionRateLimiter counts contribution attempts per phone in Redis so
// the limit holds across every instance of the service.
type RedisContributionRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisContributionRateLimiter creates a limiter whose keys live under prefix.
func NewRedisContributionRateLimiter(client redis.UniversalClient, prefix string) *RedisContributionRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitKeyPrefix
	}
	return &RedisContributionRateLimiter{client: client, prefix: prefix}
}

// ConsumeRateLimit records an attempt by subject within scope and reports how many
// attempts the current window holds and how many seconds remain in it. Windows
// shorter than a second are widened to one second. Empty scopes, subjects and
// non-positive limits are not counted.
func (r *RedisContributionRateLimiter) ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (int, int, error) {
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}
	if window < minRateLimitWindow {
		window = minRateLimitWindow
	}

	key := strings.Join([]string{r.prefix, scope, subject}, ":")
	reply, err := contributionWindowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	if len(reply) != 2 {
		return 0, 0, fmt.Errorf("rate limit %s: unexpected reply %v", scope, reply)
	}

	remaining := time.Duration(reply[1]) * time.Millisecond
	if remaining <= 0 {
		remaining = window
	}
	retryAfter := int((remaining + time.Second - 1) / time.Second)
	return int(reply[0]), retryAfter, nil
}

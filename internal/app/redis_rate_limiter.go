package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisRateLimitPrefix = "payments:rate_limit"

// ClaimRateLimiter throttles repeated actions per (scope, subject). Allow reports whether
// the call fits in the window and, when it does not, how long the caller should wait.
type ClaimRateLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, time.Duration, error)
}

// windowCounterScript counts one hit in a window bucket. The bucket expires shortly
// after its window closes, so keys never outlive the window they count.
var windowCounterScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisClaimRateLimiter is a fixed-window limiter shared by every replica.
//
// Windows start on fixed multiples of the window length, and each window is its own key:
//
//	<prefix>:<scope>:<subject>:<window start, unix seconds>
//
// A hit increments the current bucket. The caller is refused once the bucket passes the
// limit and told to retry when the window ends. Redis errors fail open: the caller is
// allowed and the error returned for logging.
type RedisClaimRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisClaimRateLimiter builds a limiter writing under prefix. A trailing colon on the
// prefix is dropped; an empty prefix uses payments:rate_limit.
func NewRedisClaimRateLimiter(client redis.UniversalClient, prefix string) *RedisClaimRateLimiter {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = defaultRedisRateLimitPrefix
	}
	return &RedisClaimRateLimiter{client: client, prefix: trimmed, now: time.Now}
}

// Allow counts one hit for subject in scope. Blank scopes or subjects and non-positive
// limits or windows are never counted and always allowed. Windows shorter than a second
// are rounded up to one second.
func (r *RedisClaimRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, time.Duration, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return true, 0, nil
	}
	if window < time.Second {
		window = time.Second
	}

	now := r.now()
	start := now.Truncate(window)
	end := start.Add(window)
	key := r.bucketKey(scope, subject, start)

	// One extra second covers clock skew between replicas sharing the bucket.
	ttl := end.Sub(now) + time.Second
	count, err := windowCounterScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return true, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	return false, end.Sub(now), nil
}

func (r *RedisClaimRateLimiter) bucketKey(scope, subject string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", r.prefix, scope, subject, windowStart.Unix())
}

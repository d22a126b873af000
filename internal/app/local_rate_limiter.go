package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalClaimRateLimiter keeps one token bucket per key in process memory. It is used
// when Redis is not configured, so limits apply per replica.
type LocalClaimRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

func NewLocalClaimRateLimiter() *LocalClaimRateLimiter {
	return &LocalClaimRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func (l *LocalClaimRateLimiter) Allow(_ context.Context, scope, subject string, limit int, window time.Duration) (bool, time.Duration, error) {
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if limit <= 0 || window <= 0 || scope == "" || subject == "" {
		return true, 0, nil
	}

	limiter := l.limiter(scope+":"+subject, limit, window)
	now := l.now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, window, nil
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return true, 0, nil
	}
	reservation.CancelAt(now)
	if delay < time.Second {
		delay = time.Second
	}
	return false, delay, nil
}

func (l *LocalClaimRateLimiter) limiter(key string, limit int, window time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	every := rate.Every(window / time.Duration(limit))
	limiter, ok := l.limiters[key]
	if !ok || limiter.Burst() != limit || limiter.Limit() != every {
		limiter = rate.NewLimiter(every, limit)
		l.limiters[key] = limiter
	}
	return limiter
}

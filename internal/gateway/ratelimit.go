package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiter is a token bucket per user. A non-positive rate disables it.
type rateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow takes one token from user's bucket.
func (rl *rateLimiter) Allow(user string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.limiters[user]
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[user] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

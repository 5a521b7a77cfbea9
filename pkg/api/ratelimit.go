package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// tenantLimiter applies a token bucket per tenant so one noisy tenant
// cannot crowd out the submission path for everyone else.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newTenantLimiter(perSecond float64, burst int) *tenantLimiter {
	if perSecond <= 0 {
		perSecond = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &tenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *tenantLimiter) Allow(tenantID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[tenantID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[tenantID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

package edge

import (
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

// RateLimiter applies an optional per-IP token-bucket request limit after the
// security stage. A zero policy rate disables the stage entirely; limiter
// state is created on demand per IP.
type RateLimiter struct {
	policy   *PolicyHolder
	limiters *xsync.Map[string, *rate.Limiter]
}

// NewRateLimiter creates the limiter over a policy holder.
func NewRateLimiter(policy *PolicyHolder) *RateLimiter {
	return &RateLimiter{
		policy:   policy,
		limiters: xsync.NewMap[string, *rate.Limiter](),
	}
}

// Allow reports whether a request from ip may proceed.
func (l *RateLimiter) Allow(ip string) bool {
	pol := l.policy.Load()
	if pol.RateLimitPerIP <= 0 {
		return true
	}
	lim, ok := l.limiters.Load(ip)
	if !ok {
		burst := pol.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		lim, _ = l.limiters.LoadOrStore(ip, rate.NewLimiter(rate.Limit(pol.RateLimitPerIP), burst))
	}
	return lim.Allow()
}

// Forget drops the limiter state for ip, freeing memory for churned clients.
func (l *RateLimiter) Forget(ip string) {
	l.limiters.Delete(ip)
}

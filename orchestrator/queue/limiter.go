package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// TenantLimiter enforces per-tenant upstream dispatch limits with token
// buckets, one bucket per tenant.
type TenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func NewTenantLimiter(r float64, b int) *TenantLimiter {
	return &TenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow checks if the tenant may dispatch now.
func (l *TenantLimiter) Allow(tenantID string) bool {
	return l.get(tenantID).Allow()
}

// ReserveDelay returns the wait required before the tenant may dispatch.
func (l *TenantLimiter) ReserveDelay(tenantID string) (allowed bool, delay int64) {
	r := l.get(tenantID).Reserve()
	d := r.Delay()
	if d > 0 {
		r.Cancel()
		return false, d.Milliseconds()
	}
	return true, 0
}

func (l *TenantLimiter) get(tenantID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[tenantID]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[tenantID] = limiter
	}
	return limiter
}

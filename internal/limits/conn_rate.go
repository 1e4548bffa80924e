package limits

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedHosts bounds the per-host bucket table.
const maxTrackedHosts = 4096

// ConnRateLimiter bounds how fast a single remote host may open new
// WebSocket connections. Each host gets its own token bucket; the table is
// bounded with a coarse reset, after which refused hosts repopulate on
// their next attempt.
type ConnRateLimiter struct {
	mu      sync.Mutex
	perSec  rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewConnRateLimiter allows perSec connection attempts per host with the
// given burst.
func NewConnRateLimiter(perSec float64, burst int) *ConnRateLimiter {
	return &ConnRateLimiter{
		perSec:  rate.Limit(perSec),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether host may open a connection at now.
func (l *ConnRateLimiter) Allow(host string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim := l.buckets[host]
	if lim == nil {
		if len(l.buckets) >= maxTrackedHosts {
			l.buckets = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.buckets[host] = lim
	}
	return lim.AllowN(now, 1)
}

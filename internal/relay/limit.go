package relay

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// clientLimiters hands out one token bucket per client address. Entries idle for ten
// minutes are pruned, at most once a minute, on the request path.
type clientLimiters struct {
	rate      rate.Limit
	burst     int
	limiters  *xsync.MapOf[string, *clientLimiter]
	lastPrune atomic.Int64
}

func newClientLimiters(r float64, burst int) *clientLimiters {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	return &clientLimiters{rate: limit, burst: burst, limiters: xsync.NewMapOf[string, *clientLimiter]()}
}

func (c *clientLimiters) allow(client string) bool {
	now := time.Now()
	c.prune(now)
	cl, _ := c.limiters.LoadOrCompute(client, func() *clientLimiter {
		return &clientLimiter{limiter: rate.NewLimiter(c.rate, c.burst)}
	})
	cl.lastSeen.Store(now.UnixNano())
	return cl.limiter.AllowN(now, 1)
}

func (c *clientLimiters) prune(now time.Time) {
	last := c.lastPrune.Load()
	if now.UnixNano()-last < int64(time.Minute) || !c.lastPrune.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	cutoff := now.Add(-10 * time.Minute).UnixNano()
	c.limiters.Range(func(k string, v *clientLimiter) bool {
		if v.lastSeen.Load() < cutoff {
			c.limiters.Delete(k)
		}
		return true
	})
}

// clientIP is the first X-Forwarded-For hop, then X-Real-IP, then the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

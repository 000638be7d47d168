// Package ratelimit keeps one token bucket per client key.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"
)

// idleTTL is how long an untouched bucket is kept before Prune drops it.
const idleTTL = 10 * time.Minute

type entry struct {
	lim  *ratelib.Limiter
	seen time.Time
}

// Limiter manages a collection of token bucket rate limiters.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rps      ratelib.Limit
	burst    int
	now      func() time.Time
}

// NewLimiter returns a limiter allowing rps requests per second per key, with
// bursts of up to burst. rps <= 0 disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		rps:      ratelib.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Enabled reports whether Allow can ever refuse.
func (l *Limiter) Enabled() bool { return l != nil && l.rps > 0 }

// Allow consumes one token for key.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	now := l.now()
	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{lim: ratelib.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = e
	}
	e.seen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Prune drops buckets not used for idleTTL and returns how many were removed.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.limiters {
		if e.seen.Before(cutoff) {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware refuses requests over the limit with a 429 JSON reply in the
// {success, message} shape. Requests are keyed by the client IP taken from
// RemoteAddr.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rejection{Message: "Too many requests, retry later."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rejection struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ClientIP strips the port from RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

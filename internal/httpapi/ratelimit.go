package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token-bucket rate limiter keyed by caller identity. Buckets
// for idle keys are dropped after an hour.
type Limiter struct {
	perMinute int
	burst     int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter builds a limiter allowing perMinute requests per key.
// perMinute <= 0 disables limiting.
func NewLimiter(perMinute int) *Limiter {
	burst := perMinute / 6
	if burst < 3 {
		burst = 3
	}
	return &Limiter{
		perMinute: perMinute,
		burst:     burst,
		buckets:   map[string]*bucket{},
	}
}

func (l *Limiter) Enabled() bool { return l != nil && l.perMinute > 0 }

// Allow reports whether the key may proceed, consuming one token.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()

	if len(l.buckets) > 10000 {
		l.evictLocked()
	}
	return b.lim.Allow()
}

func (l *Limiter) evictLocked() {
	cutoff := time.Now().Add(-time.Hour)
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// bySource wraps a handler with source-address limiting for public endpoints.
func (l *Limiter) bySource(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.Allow(host) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

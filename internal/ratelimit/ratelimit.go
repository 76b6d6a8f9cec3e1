// Package ratelimit throttles HTTP clients with a token bucket per remote
// address, protecting the serialized clearing path from a single noisy
// client.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle client's bucket is kept before eviction.
const staleAfter = 10 * time.Minute

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per client key. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    rate.Limit
	burst   int
}

// New creates a limiter allowing r requests per second with the given burst.
// A non-positive rate disables limiting.
func New(r float64, burst int) *Limiter {
	return &Limiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(r),
		burst:   burst,
	}
}

// Allow reports whether the client identified by key may proceed.
func (l *Limiter) Allow(key string) bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()

	if len(l.clients) > 1024 {
		l.evictStale()
	}
	return c.limiter.Allow()
}

// evictStale drops buckets idle longer than staleAfter. Caller holds the lock.
func (l *Limiter) evictStale() {
	cutoff := time.Now().Add(-staleAfter)
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Middleware returns an HTTP middleware keyed by the client's remote IP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.Allow(host) {
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// tokenBucket is a per-client token bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(requestsPerMinute, burst int) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// rateLimiter enforces a per-IP token bucket. A zero requests-per-minute
// disables limiting entirely.
type rateLimiter struct {
	mu                sync.Mutex
	buckets           map[string]*tokenBucket
	requestsPerMinute int
	burst             int
}

func newRateLimiter(requestsPerMinute, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 10
	}
	return &rateLimiter{
		buckets:           make(map[string]*tokenBucket),
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	if rl.requestsPerMinute <= 0 {
		return true
	}
	rl.mu.Lock()
	tb, ok := rl.buckets[key]
	if !ok {
		tb = newTokenBucket(rl.requestsPerMinute, rl.burst)
		rl.buckets[key] = tb
	}
	rl.mu.Unlock()
	return tb.allow()
}

// startEviction removes buckets idle longer than maxAge so unique
// client addresses cannot grow memory without bound.
func (rl *rateLimiter) startEviction(ctx context.Context, interval, maxAge time.Duration) {
	if rl.requestsPerMinute <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-maxAge)
				rl.mu.Lock()
				for key, tb := range rl.buckets {
					tb.mu.Lock()
					stale := tb.lastAccess.Before(cutoff)
					tb.mu.Unlock()
					if stale {
						delete(rl.buckets, key)
					}
				}
				rl.mu.Unlock()
			}
		}
	}()
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host) {
			s.errorJSON(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

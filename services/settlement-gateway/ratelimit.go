package main

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"optionsettle/observability"
)

// RateLimiter applies a per-client token bucket. Clients are keyed by the
// authenticated subject when available and the remote address otherwise.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func NewRateLimiter(rps, burst int) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the identified client may proceed.
func (r *RateLimiter) Allow(id string) bool {
	r.mu.Lock()
	limiter, ok := r.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.visitors[id] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

// Throttle wraps a handler with the rate limit check.
func (r *RateLimiter) Throttle(route string, subject string, req *http.Request, w http.ResponseWriter) bool {
	id := subject
	if id == "" || id == "anonymous" {
		id = clientID(req)
	}
	if r.Allow(id) {
		return true
	}
	observability.Gateway().ObserveThrottle(route)
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	return false
}

func clientID(req *http.Request) string {
	if fwd := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

package auth

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter applies a sliding-window request cap per client key. The
// window holds individual hit timestamps so the limit degrades smoothly
// instead of resetting on a fixed boundary.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter builds a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Limit returns the configured cap.
func (rl *RateLimiter) Limit() int { return rl.limit }

// Allow records a hit for key and reports whether it fits the window,
// plus the remaining budget and the moment the oldest hit expires.
func (rl *RateLimiter) Allow(key string) (allowed bool, remaining int, reset time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	recent := pruneBefore(rl.hits[key], cutoff)
	if len(recent) >= rl.limit {
		rl.hits[key] = recent
		return false, 0, recent[0].Add(rl.window)
	}

	recent = append(recent, now)
	rl.hits[key] = recent

	remaining = rl.limit - len(recent)
	reset = recent[0].Add(rl.window)
	return true, remaining, reset
}

// Prune drops idle keys so the map does not grow with one-shot clients.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	removed := 0
	for key, hits := range rl.hits {
		recent := pruneBefore(hits, cutoff)
		if len(recent) == 0 {
			delete(rl.hits, key)
			removed++
			continue
		}
		rl.hits[key] = recent
	}
	return removed
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return append([]time.Time(nil), hits[idx:]...)
}

// setRateHeaders writes the standard draft rate-limit trio.
func setRateHeaders(w http.ResponseWriter, limit, remaining int, reset time.Time) {
	secs := int(time.Until(reset).Round(time.Second).Seconds())
	if secs < 0 {
		secs = 0
	}
	w.Header().Set("RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("RateLimit-Reset", strconv.Itoa(secs))
}

// ClientIP extracts the caller address, honoring the first entry of
// X-Forwarded-For when a proxy sits in front.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

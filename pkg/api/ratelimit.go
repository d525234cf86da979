package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethpandaops/coveragoor/pkg/config"
)

const (
	throttleSweepEvery = 5 * time.Minute
	throttleIdleEvict  = 10 * time.Minute
)

// throttle applies a per-client token bucket. Buckets refill at the
// configured per-minute rate; idle entries are evicted so the map does
// not grow with every client ever seen.
type throttle struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	limit   rate.Limit
	burst   int
}

type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func newThrottle(requestsPerMinute int) *throttle {
	t := &throttle{
		clients: make(map[string]*clientBucket),
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		// A full minute's worth may arrive at once.
		burst: requestsPerMinute,
	}

	go t.sweep()

	return t
}

func (t *throttle) allow(client string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.clients[client]
	if entry == nil {
		entry = &clientBucket{bucket: rate.NewLimiter(t.limit, t.burst)}
		t.clients[client] = entry
	}

	entry.lastSeen = time.Now()

	return entry.bucket.Allow()
}

func (t *throttle) sweep() {
	ticker := time.NewTicker(throttleSweepEvery)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()

		for client, entry := range t.clients {
			if time.Since(entry.lastSeen) > throttleIdleEvict {
				delete(t.clients, client)
			}
		}

		t.mu.Unlock()
	}
}

// rateLimitMiddleware returns a per-IP rate limiting middleware for
// the given tier configuration.
func (s *server) rateLimitMiddleware(
	tier config.RateLimitTier,
) func(http.Handler) http.Handler {
	t := newThrottle(tier.RequestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !t.allow(clientAddr(r)) {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr picks the originating IP, trusting the first entry of
// X-Forwarded-For when a reverse proxy added one.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

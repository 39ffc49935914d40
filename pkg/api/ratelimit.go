package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/testrelay/pkg/relay"
	"golang.org/x/time/rate"
)

const clientIdleAfter = 10 * time.Minute

// clientLimiter hands out one token bucket per client address. Idle
// buckets are swept on access.
type clientLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	limit     rate.Limit
	burst     int
	idleAfter time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// newClientLimiter allows perMinute requests per client, all of which may
// arrive at once.
func newClientLimiter(perMinute int) *clientLimiter {
	return &clientLimiter{
		buckets:   make(map[string]*clientBucket, 64),
		limit:     rate.Limit(float64(perMinute) / 60.0),
		burst:     perMinute,
		idleAfter: clientIdleAfter,
		now:       time.Now,
	}
}

// reserve takes a token for client. When none is left it returns false and
// how long the client has to wait for the next one.
func (l *clientLimiter) reserve(client string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[client] = b
	}

	b.seen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0, false
	}

	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)

		return wait, false
	}

	return 0, true
}

func (l *clientLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleAfter {
		return
	}

	l.lastSweep = now

	for client, b := range l.buckets {
		if now.Sub(b.seen) > l.idleAfter {
			delete(l.buckets, client)
		}
	}
}

// unthrottled reports whether r is exempt from rate limiting: health checks
// and forwarded test event streams, which stay open for a whole run.
func unthrottled(r *http.Request) bool {
	return r.URL.Path == "/api/v1/health" ||
		strings.HasPrefix(r.URL.Path, relay.ForwardPath)
}

// rateLimit limits every client to perMinute requests, except on the
// unthrottled routes.
func (s *server) rateLimit(perMinute int) func(http.Handler) http.Handler {
	limiter := newClientLimiter(perMinute)
	limitHeader := strconv.Itoa(perMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unthrottled(r) {
				next.ServeHTTP(w, r)

				return
			}

			w.Header().Set("X-RateLimit-Limit", limitHeader)

			if wait, ok := limiter.reserve(clientIP(r)); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds wait up to whole seconds, at least one.
func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}

	return secs
}

// clientIP returns the address a request is accounted to: the first
// X-Forwarded-For hop, then X-Real-IP, then the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused per-client limiter is kept
const limiterIdleTTL = 10 * time.Minute

// RateLimiter throttles write requests per client IP with a token bucket.
// Reads are never limited.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*clientLimiter
	lastGC   time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond write requests per client with the given
// burst
func NewRateLimiter(perSecond float64, burst int, logger zerolog.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		logger:   logger,
		now:      time.Now,
		limiters: make(map[string]*clientLimiter),
	}
}

// Allow reports whether a write from clientIP may proceed
func (l *RateLimiter) Allow(clientIP string) bool {
	now := l.now()

	l.mu.Lock()
	c, ok := l.limiters[clientIP]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[clientIP] = c
	}
	c.lastSeen = now
	if now.Sub(l.lastGC) > limiterIdleTTL {
		for ip, other := range l.limiters {
			if now.Sub(other.lastSeen) > limiterIdleTTL {
				delete(l.limiters, ip)
			}
		}
		l.lastGC = now
	}
	l.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Middleware rejects writes over the limit with 429
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isReadOnlyMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !l.Allow(ip) {
			metrics.APIRateLimited.Inc()
			l.logger.Warn().Str("client", ip).Str("path", r.URL.Path).Msg("Rate limit exceeded")
			retry := time.Duration(float64(time.Second) / float64(l.limit))
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(retry.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the first X-Forwarded-For hop, X-Real-IP, or the peer
// address
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

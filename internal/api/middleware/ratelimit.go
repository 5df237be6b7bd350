package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the token bucket each client IP gets and how idle
// buckets are expired.
type RateLimitConfig struct {
	Rate            rate.Limit // requests per second
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration // idle buckets older than this are dropped
}

// WebhookRateLimitConfig returns the limits for the Twilio webhooks. All
// Twilio traffic arrives from a small pool of addresses, so the burst is
// generous.
func WebhookRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(10),
		Burst:           50,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type visitor struct {
	bucket *rate.Limiter
	seen   time.Time
}

// IPRateLimiter tracks one token bucket per client IP.
type IPRateLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor

	done     chan struct{}
	stopOnce sync.Once
}

// NewIPRateLimiter creates the limiter and starts the goroutine that expires
// idle visitors. Call Stop to end it.
func NewIPRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *IPRateLimiter {
	rl := &IPRateLimiter{
		cfg:      cfg,
		logger:   logger.With("subsystem", "ratelimit"),
		now:      time.Now,
		visitors: make(map[string]*visitor),
		done:     make(chan struct{}),
	}
	go rl.expireLoop()
	return rl
}

// Allow reports whether a request from ip may proceed, spending a token if so.
func (rl *IPRateLimiter) Allow(ip string) bool {
	now := rl.now()

	rl.mu.Lock()
	v := rl.visitors[ip]
	if v == nil {
		v = &visitor{bucket: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.visitors[ip] = v
	}
	v.seen = now
	rl.mu.Unlock()

	return v.bucket.AllowN(now, 1)
}

// Stop ends the expiry goroutine. Further calls are no-ops.
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *IPRateLimiter) expireLoop() {
	if rl.cfg.CleanupInterval <= 0 {
		return
	}
	t := time.NewTicker(rl.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-t.C:
			if n := rl.sweep(rl.now()); n > 0 {
				rl.logger.Debug("expired idle visitors", "removed", n)
			}
		}
	}
}

// sweep drops visitors not seen within MaxAge of now and returns how many
// were removed.
func (rl *IPRateLimiter) sweep(now time.Time) int {
	cutoff := now.Add(-rl.cfg.MaxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, v := range rl.visitors {
		if v.seen.Before(cutoff) {
			delete(rl.visitors, ip)
			removed++
		}
	}
	return removed
}

func (rl *IPRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// RateLimit rejects requests over the per-IP budget with 429 and
// Retry-After: 1.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if limiter.Allow(ip) {
				next.ServeHTTP(w, r)
				return
			}
			limiter.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		})
	}
}

// clientIP is RemoteAddr without the port. chi's RealIP rewrites RemoteAddr
// first when the relay sits behind a proxy.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

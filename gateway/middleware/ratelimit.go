package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit throttles requests whose path starts with one of Paths, per
// client address.
type RateLimit struct {
	ID            string
	RatePerSecond float64
	Burst         int
	Paths         []string
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimiter struct {
	logger   *slog.Logger
	limits   []RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
	clockNow func() time.Time
	idleTTL  time.Duration
	onReject func(limitID string)
}

func NewRateLimiter(limits []RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
		idleTTL:  5 * time.Minute,
	}
}

// OnReject registers a hook called for every throttled request.
func (r *RateLimiter) OnReject(fn func(limitID string)) {
	r.onReject = fn
}

func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		limit, ok := r.match(req.URL.Path)
		if !ok {
			next.ServeHTTP(w, req)
			return
		}
		identifier := clientID(req)
		if !r.obtainLimiter(limit, identifier).AllowN(r.clockNow(), 1) {
			r.logger.Warn("request throttled", slog.String("limit", limit.ID), slog.String("path", req.URL.Path))
			if r.onReject != nil {
				r.onReject(limit.ID)
			}
			w.Header().Set("Retry-After", "1")
			WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) match(path string) (RateLimit, bool) {
	for _, limit := range r.limits {
		for _, prefix := range limit.Paths {
			if strings.HasPrefix(path, prefix) {
				return limit, true
			}
		}
	}
	return RateLimit{}, false
}

func (r *RateLimiter) obtainLimiter(cfg RateLimit, client string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	r.sweepLocked(now)
	key := cfg.ID + "|" + client
	if entry, ok := r.visitors[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[key] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	for key, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.visitors, key)
		}
	}
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter([]RateLimit{
		{ID: "payments", RatePerSecond: 1, Burst: 1, Paths: []string{"/api/payments"}},
	}, nil)
	var rejected []string
	limiter.OnReject(func(id string) { rejected = append(rejected, id) })
	handler := limiter.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/payments/initiate", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if len(rejected) != 1 || rejected[0] != "payments" {
		t.Fatalf("expected one rejection for payments, got %v", rejected)
	}
}

func TestRateLimiterIgnoresUnmatchedPaths(t *testing.T) {
	limiter := NewRateLimiter([]RateLimit{
		{ID: "payments", RatePerSecond: 1, Burst: 1, Paths: []string{"/api/payments"}},
	}, nil)
	handler := limiter.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected health check to bypass limits, got %d", i, res.Code)
		}
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter([]RateLimit{
		{ID: "payments", RatePerSecond: 1, Burst: 1, Paths: []string{"/api/payments"}},
	}, nil)
	handler := limiter.Middleware(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/api/payments/status/pay_1", nil)
	reqA.Header.Set("X-Real-IP", "10.0.0.1")
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected client A request to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/api/payments/status/pay_1", nil)
	reqB.Header.Set("X-Forwarded-For", "10.0.0.2, 172.16.0.1")
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected client B request to succeed, got %d", resB.Code)
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	limiter := NewRateLimiter([]RateLimit{
		{ID: "payments", RatePerSecond: 1, Burst: 1, Paths: []string{"/api/payments"}},
	}, nil)
	now := time.Date(2025, 7, 20, 10, 0, 0, 0, time.UTC)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/payments/status/pay_1", nil)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected limit before refill, got %d", res.Code)
	}

	now = now.Add(1100 * time.Millisecond)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected refill after one second, got %d", res.Code)
	}

	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter(RateLimit{ID: "other"}, "10.9.9.9")
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected idle visitors to be swept, got %d", len(limiter.visitors))
	}
}

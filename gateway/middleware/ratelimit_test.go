package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"escrows": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limiter.Middleware("escrows")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
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
}

func TestRateLimiterSeparatesGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"escrows":  {RequestsPerMinute: 60, Burst: 1},
		"disputes": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	escrows := limiter.Middleware("escrows")(okHandler())
	disputes := limiter.Middleware("disputes")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
	res := httptest.NewRecorder()
	escrows.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected escrow request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	disputes.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/disputes/d1", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected dispute request to have its own budget, got %d", res.Code)
	}
}

func TestRateLimiterKeysByCaller(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"escrows": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limiter.Middleware("escrows")(okHandler())

	for _, user := range []string{"buyer-a", "buyer-b"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
		req = req.WithContext(WithCaller(req.Context(), Caller{ID: user}))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected %s to succeed, got %d", user, res.Code)
		}
	}
}

func TestRateLimiterIgnoresUnknownGroup(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("missing")(okHandler())
	for i := 0; i < 3; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("expected unlimited group to pass, got %d", res.Code)
		}
	}
}

func TestClientIDPrefersForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientID(req); got != "203.0.113.9" {
		t.Fatalf("unexpected client id %q", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.4")
	if got := clientID(req); got != "198.51.100.4" {
		t.Fatalf("unexpected client id %q", got)
	}
}

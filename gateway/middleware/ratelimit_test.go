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
	limiter := NewRateLimiter(map[string]RateLimit{
		"commands": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("commands")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/transfers", nil)
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

func TestRateLimiterSeparatesClientsAndRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"commands": {RequestsPerMinute: 1, Burst: 1},
		"deposits": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	commands := limiter.Middleware("commands")(okHandler())
	deposits := limiter.Middleware("deposits")(okHandler())

	first := httptest.NewRequest(http.MethodPost, "/v1/transfers", nil)
	first.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	second := httptest.NewRequest(http.MethodPost, "/v1/transfers", nil)
	second.Header.Set("X-Real-IP", "10.0.0.9")

	for name, tc := range map[string]struct {
		handler http.Handler
		req     *http.Request
	}{
		"first client":         {commands, first},
		"second client":        {commands, second},
		"first client deposit": {deposits, first},
	} {
		res := httptest.NewRecorder()
		tc.handler.ServeHTTP(res, tc.req)
		if res.Code != http.StatusOK {
			t.Fatalf("%s: expected success, got %d", name, res.Code)
		}
	}

	res := httptest.NewRecorder()
	commands.ServeHTTP(res, first)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected repeated request to be limited, got %d", res.Code)
	}
}

func TestRateLimiterUnknownKeyPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("reads")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/session", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected pass-through, got %d", i, res.Code)
		}
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(map[string]RateLimit{"commands": {RequestsPerMinute: 60, Burst: 1}}, nil)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("commands")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/connect", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got := limiter.visitorCount(); got != 1 {
		t.Fatalf("expected one visitor, got %d", got)
	}

	now = now.Add(visitorIdleTTL + time.Second)
	other := httptest.NewRequest(http.MethodPost, "/v1/connect", nil)
	other.RemoteAddr = "192.0.2.44:5000"
	handler.ServeHTTP(httptest.NewRecorder(), other)
	if got := limiter.visitorCount(); got != 1 {
		t.Fatalf("expected idle visitor to be evicted, got %d visitors", got)
	}
}

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
		"bids": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("bids")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/bids", nil)
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
}

func TestRateLimiterSeparatesBuckets(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"bids":     {RequestsPerMinute: 1, Burst: 1},
		"invoices": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	bidHandler := limiter.Middleware("bids")(okHandler())
	invoiceHandler := limiter.Middleware("invoices")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/bids", nil)
	res := httptest.NewRecorder()
	bidHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected bid request to succeed, got %d", res.Code)
	}

	invoiceReq := httptest.NewRequest(http.MethodPost, "/v1/invoices", nil)
	res = httptest.NewRecorder()
	invoiceHandler.ServeHTTP(res, invoiceReq)
	if res.Code != http.StatusOK {
		t.Fatalf("expected invoice request to have its own budget, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	invoiceHandler.ServeHTTP(res, invoiceReq)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second invoice request to hit the limit, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesClientsByAPIKey(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"bids": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("bids")(okHandler())

	reqA := httptest.NewRequest(http.MethodPost, "/v1/bids", nil)
	reqA.Header.Set("X-API-Key", "tenant-a")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, reqA)
	if res.Code != http.StatusOK {
		t.Fatalf("expected tenant A request to succeed, got %d", res.Code)
	}

	reqB := httptest.NewRequest(http.MethodPost, "/v1/bids", nil)
	reqB.Header.Set("X-API-Key", "tenant-b")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, reqB)
	if res.Code != http.StatusOK {
		t.Fatalf("expected tenant B to have its own budget, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, reqA)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected tenant A to be exhausted, got %d", res.Code)
	}
}

func TestRateLimiterPassesUnknownBucket(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{}, nil)
	handler := limiter.Middleware("bids")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/bids", nil)
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected unconfigured bucket to pass request %d, got %d", i, res.Code)
		}
	}
}

func TestRateLimiterPrunesIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"bids": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	current := time.Now()
	limiter.clockNow = func() time.Time { return current }
	handler := limiter.Middleware("bids")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/bids", nil)
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

	current = current.Add(visitorTTL + time.Minute)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected pruned visitor to get a fresh budget, got %d", res.Code)
	}

	limiter.mu.Lock()
	visitors := len(limiter.visitors)
	limiter.mu.Unlock()
	if visitors != 1 {
		t.Fatalf("expected stale entries pruned down to 1 visitor, got %d", visitors)
	}
}

package ratelimit

import (
	"encoding/json"
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

func TestGlobalLimiter_RejectsOverLimit(t *testing.T) {
	cfg := Config{
		GlobalEnabled: true,
		GlobalLimit:   3,
		GlobalWindow:  time.Minute,
	}
	handler := GlobalLimiter(cfg)(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the limit, got %d", rec.Code)
	}

	var resp rateLimitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode rejection body: %v", err)
	}
	if resp.Error != "rate_limit_exceeded" {
		t.Errorf("wrong error field: %s", resp.Error)
	}
	if resp.RetryAfterSeconds != 60 {
		t.Errorf("wrong retry hint: %d", resp.RetryAfterSeconds)
	}
}

func TestGlobalLimiter_DisabledPassesThrough(t *testing.T) {
	handler := GlobalLimiter(Config{GlobalEnabled: false})(okHandler())

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter must pass everything, got %d", rec.Code)
		}
	}
}

func TestIPLimiter_IsolatesClients(t *testing.T) {
	cfg := Config{
		PerIPEnabled: true,
		PerIPLimit:   2,
		PerIPWindow:  time.Minute,
	}
	handler := IPLimiter(cfg)(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest("GET", "/api", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// First client exhausts its budget
	if send("10.0.0.1:1234") != http.StatusOK || send("10.0.0.1:1234") != http.StatusOK {
		t.Fatal("first two requests must pass")
	}
	if send("10.0.0.1:1234") != http.StatusTooManyRequests {
		t.Error("third request from same IP must be limited")
	}

	// A different client is unaffected
	if send("10.0.0.2:1234") != http.StatusOK {
		t.Error("other clients must not share the budget")
	}
}

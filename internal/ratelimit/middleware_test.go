package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareRejectsWithRetryableBody(t *testing.T) {
	store, _ := newClockedStore()
	l := NewLimiter(Config{Store: store, RequestsPerSecond: 1, Burst: 1})
	rejected := 0
	m := NewMiddleware(l, true, func(r *http.Request) string { return r.Header.Get("X-User") }, nil)
	m.OnReject(func(*http.Request) { rejected++ })
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.Header.Set("X-User", "u1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
	var body struct {
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != "rate_limited" || !body.Retryable {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if rejected != 1 {
		t.Fatalf("expected 1 rejection hook call, got %d", rejected)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	l := NewLimiter(Config{Store: NewMemoryStoreWithCleanup(0), RequestsPerSecond: 1, Burst: 1})
	m := NewMiddleware(l, false, func(*http.Request) string { return "u" }, nil)
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("disabled middleware must not limit, got %d", rec.Code)
		}
	}
}

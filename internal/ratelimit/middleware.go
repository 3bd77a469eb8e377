package ratelimit

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc returns the caller identity for r, or "" when the request is anonymous.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over the per-user limit with 429.
type Middleware struct {
	limiter  *Limiter
	enabled  bool
	key      KeyFunc
	logger   *log.Logger
	onReject func(r *http.Request)
}

// NewMiddleware builds the middleware. key is called after authentication has run.
func NewMiddleware(limiter *Limiter, enabled bool, key KeyFunc, logger *log.Logger) *Middleware {
	return &Middleware{limiter: limiter, enabled: enabled && limiter != nil, key: key, logger: logger}
}

// OnReject registers a hook called for every rejected request.
func (m *Middleware) OnReject(fn func(r *http.Request)) { m.onReject = fn }

// Wrap applies the limit to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled || m.key == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := m.key(r)
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		d := m.limiter.Allow(r.Context(), userID)
		m.setHeaders(w, d)
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		if m.logger != nil {
			m.logger.Printf("rate limit exceeded: user_id=%s path=%s", userID, r.URL.Path)
		}
		if m.onReject != nil {
			m.onReject(r)
		}
		WriteRejection(w, d.RetryAfter)
	})
}

func (m *Middleware) setHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(m.limiter.Capacity(), 'f', 0, 64))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(math.Floor(d.Remaining), 'f', 0, 64))
}

// WriteRejection writes the retryable 429 body shared with upstream rate limits.
func WriteRejection(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     "rate limit exceeded, retry later",
		"code":      "rate_limited",
		"retryable": true,
	})
}

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// PreviewLimit caps how much of an upstream error body is kept for diagnostics.
const PreviewLimit = 256

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	Provider   string
	Model      string
	Status     int
	RetryAfter time.Duration
	// Message is the provider's error message when the body carried one.
	Message string
	// Body is the raw response body truncated to PreviewLimit bytes.
	Body string
}

func (e *StatusError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Body
	}
	return fmt.Sprintf("%s: stream http %d (model=%s): %s", e.Provider, e.Status, e.Model, detail)
}

// RateLimited reports whether the upstream refused the call with 429.
func (e *StatusError) RateLimited() bool { return e.Status == http.StatusTooManyRequests }

// TransportError wraps failures to reach the upstream or read its headers.
type TransportError struct {
	Provider string
	Model    string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: send stream request (model=%s): %v", e.Provider, e.Model, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newStatusError(provider, model string, resp *http.Response, body []byte) *StatusError {
	se := &StatusError{
		Provider:   provider,
		Model:      model,
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Body:       Preview(body, PreviewLimit),
	}
	// OpenAI-compatible and Gemini both use {"error":{"message":...}}.
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		se.Message = Preview([]byte(errResp.Error.Message), PreviewLimit)
	}
	return se
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

// Preview returns at most limit bytes of b as a string, marking truncation.
func Preview(b []byte, limit int) string {
	s := strings.TrimSpace(string(b))
	if limit <= 0 || len(s) <= limit {
		return s
	}
	// Back off to a rune boundary so the preview stays valid UTF-8.
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

// Retryable reports whether another model may succeed where err failed:
// rate limits, server errors, and transport failures that were not caused by the caller cancelling.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	var te *TransportError
	return errors.As(err, &te)
}

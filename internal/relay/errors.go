package relay

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gradientsaas/gradient-chat/internal/upstream"
)

// Kind classifies relay failures.
type Kind int

const (
	KindUnauthorized Kind = iota + 1
	KindInvalidRequest
	KindNotFound
	KindRateLimited
	KindUpstream
	KindPersistence
	// KindStreamTransport marks an upstream stream that broke after forwarding began.
	KindStreamTransport
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidRequest:
		return "invalid_request"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstream:
		return "upstream_error"
	case KindPersistence:
		return "persistence_error"
	case KindStreamTransport:
		return "stream_interrupted"
	default:
		return "internal_error"
	}
}

// Error is the error type returned by every relay operation.
type Error struct {
	Kind    Kind
	Message string
	// Detail is a diagnostic safe to show callers, at most upstream.PreviewLimit bytes.
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Status is the HTTP status the error maps to.
func (e *Error) Status() int {
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStreamTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine-readable error code sent in JSON bodies.
func (e *Error) Code() string { return e.Kind.String() }

// Retryable reports whether the caller should back off and resend.
func (e *Error) Retryable() bool { return e.Kind == KindRateLimited }

// KindOf returns the Kind of err, or 0 when err is not a relay error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// classifyUpstream maps an error from upstream.Provider.Open onto the relay taxonomy.
func classifyUpstream(err error) *Error {
	var se *upstream.StatusError
	if errors.As(err, &se) {
		detail := se.Message
		if detail == "" {
			detail = se.Body
		}
		kind := KindUpstream
		msg := "upstream request failed"
		if se.RateLimited() {
			kind = KindRateLimited
			msg = "upstream rate limited"
		}
		return &Error{
			Kind:       kind,
			Message:    msg,
			Detail:     upstream.Preview([]byte(detail), upstream.PreviewLimit),
			RetryAfter: se.RetryAfter,
			Err:        err,
		}
	}
	return &Error{
		Kind:    KindUpstream,
		Message: "upstream unreachable",
		Detail:  upstream.Preview([]byte(err.Error()), upstream.PreviewLimit),
		Err:     err,
	}
}

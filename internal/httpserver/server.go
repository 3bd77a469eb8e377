// Package httpserver exposes the chat relay and conversation management over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gradientsaas/gradient-chat/internal/auth"
	"github.com/gradientsaas/gradient-chat/internal/conversation"
	"github.com/gradientsaas/gradient-chat/internal/health"
	"github.com/gradientsaas/gradient-chat/internal/httpserver/protocol"
	"github.com/gradientsaas/gradient-chat/internal/ratelimit"
	"github.com/gradientsaas/gradient-chat/internal/relay"
)

// SessionCookie carries the session token for browser callers.
const SessionCookie = "gradient_session"

// Server wires HTTP handlers to the relay and the conversation store.
type Server struct {
	relay     *relay.Service
	store     conversation.Store
	auth      *auth.Manager
	rateLimit *ratelimit.Middleware
	health    *health.Checker

	logger   *log.Logger
	logLevel string
}

type sessionContextKey struct{}

// New builds a Server. authManager may not be nil: every /api route requires a session.
func New(svc *relay.Service, store conversation.Store, authManager *auth.Manager) *Server {
	return &Server{
		relay:  svc,
		store:  store,
		auth:   authManager,
		health: health.New(health.Config{}, health.Probe{Name: "conversation_store", Type: "database", Critical: true, Target: store}),
		logger: log.New(io.Discard, "", 0),
	}
}

// SetHealthChecker replaces the default store-only checker behind /health.
func (s *Server) SetHealthChecker(c *health.Checker) {
	if c != nil {
		s.health = c
	}
}

// SetLogger configures server-level logger and verbosity ("debug", "info", ...).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

// SetRateLimiter applies mw to POST /api/chat.
func (s *Server) SetRateLimiter(mw *ratelimit.Middleware) { s.rateLimit = mw }

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpoints(r, newHealthEndpoint(s))
	r.Group(func(private chi.Router) {
		private.Use(s.sessionMiddleware)
		s.registerEndpoints(private, newChatEndpoint(s), newConversationsEndpoint(s))
	})
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Wrapped())
		}
	}
}

func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.authenticateRequest(r)
		if err != nil {
			s.debugf("reject session path=%s: %v", r.URL.Path, err)
			s.respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticateRequest(r *http.Request) (*relay.Identity, error) {
	if s.auth == nil {
		return nil, errors.New("auth manager unavailable")
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil || cookie.Value == "" {
			return nil, errors.New("missing session")
		}
		token = cookie.Value
	}
	sess, err := s.auth.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &relay.Identity{UserID: sess.UserID}, nil
}

func identityFromContext(ctx context.Context) *relay.Identity {
	id, _ := ctx.Value(sessionContextKey{}).(*relay.Identity)
	return id
}

// RateLimitKey identifies the session user for the per-user limiter.
func RateLimitKey(r *http.Request) string {
	if id := identityFromContext(r.Context()); id != nil {
		return id.UserID
	}
	return ""
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error(), "code": codeForStatus(status)})
}

// respondRelayError writes a relay.Error with its status, code and safe detail.
// Anything else is reported as an opaque 500.
func (s *Server) respondRelayError(w http.ResponseWriter, err error) {
	var re *relay.Error
	if !errors.As(err, &re) {
		s.logger.Printf("unexpected error: %v", err)
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	payload := map[string]any{"error": re.Message, "code": re.Code()}
	if re.Retryable() {
		payload["retryable"] = true
		if re.RetryAfter > 0 {
			secs := int((re.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	if re.Detail != "" {
		payload["detail"] = re.Detail
	}
	if re.Status() >= http.StatusInternalServerError {
		s.logger.Printf("request failed code=%s: %v", re.Code(), err)
	}
	s.respondJSON(w, re.Status(), payload)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

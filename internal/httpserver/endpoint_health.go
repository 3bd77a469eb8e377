package httpserver

import (
	"net/http"

	"github.com/gradientsaas/gradient-chat/internal/health"
	"github.com/gradientsaas/gradient-chat/internal/httpserver/protocol"
	"github.com/gradientsaas/gradient-chat/internal/version"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
	}
}

// HandleHealth probes the store (and Redis when configured) and reports the build.
// Only an unhealthy critical dependency turns the answer into a 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, map[string]any{
		"status":     report.Status,
		"time":       report.Timestamp.UTC(),
		"components": report.Components,
		"version":    version.Current(),
	})
}

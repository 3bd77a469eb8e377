package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
)

// LoopbackServer is an HTTP server bound to 127.0.0.1 on an ephemeral port.
type LoopbackServer struct {
	URL       string
	server    *http.Server
	transport *http.Transport
	client    *http.Client
}

// NewIPv4Server starts handler on the IPv4 loopback interface and closes it when the test ends.
// Tests are skipped on hosts without tcp4 loopback.
func NewIPv4Server(t *testing.T, handler http.Handler) *LoopbackServer {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{DisableKeepAlives: true}
	s := &LoopbackServer{
		URL:       "http://" + l.Addr().String(),
		server:    &http.Server{Handler: handler},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("loopback serve error: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Client returns an HTTP client that does not reuse connections between requests.
func (s *LoopbackServer) Client() *http.Client {
	return s.client
}

// Close shuts the server down. Calling it more than once is safe.
func (s *LoopbackServer) Close() {
	_ = s.server.Shutdown(context.Background())
	s.transport.CloseIdleConnections()
}

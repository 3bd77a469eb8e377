// Package protocol describes how HTTP endpoint groups register with the server.
package protocol

import "net/http"

// EndpointRoute is one method+path pair. Middlewares wrap Handler in order,
// the first being outermost.
type EndpointRoute struct {
	Method      string
	Path        string
	Handler     http.Handler
	Middlewares []func(http.Handler) http.Handler
}

// Endpoint is a named group of routes.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}

// Wrapped returns Handler with the route middlewares applied.
func (r EndpointRoute) Wrapped() http.Handler {
	h := r.Handler
	for i := len(r.Middlewares) - 1; i >= 0; i-- {
		if r.Middlewares[i] != nil {
			h = r.Middlewares[i](h)
		}
	}
	return h
}

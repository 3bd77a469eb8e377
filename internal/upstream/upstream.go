// Package upstream talks to streaming completion providers and decodes their
// server-sent event streams into text fragments.
package upstream

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
)

// Generation carries optional sampling parameters. Nil or zero values are omitted from requests.
type Generation struct {
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	TopK        int      `yaml:"top_k"`
}

// Request is the provider-agnostic description of one completion call.
type Request struct {
	Model      string
	Turns      []conversation.Turn
	MaxTokens  int
	Generation Generation
}

// Stream is an open upstream response. The caller owns Body and must close it.
type Stream struct {
	Body      io.ReadCloser
	Extractor Extractor
	Provider  string
	Model     string
}

// Provider opens streaming completions against one upstream API.
type Provider interface {
	Name() string
	Open(ctx context.Context, req Request) (*Stream, error)
}

// Config holds what every provider needs to reach its endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	// SiteURL and SiteTitle are sent as HTTP-Referer and X-Title for attribution.
	SiteURL   string
	SiteTitle string
	// HeaderTimeout bounds the wait for response headers; it does not cut long streams.
	HeaderTimeout time.Duration
	HTTPClient    *http.Client
	// Extractor overrides the provider's native payload extractor when set.
	Extractor Extractor
}

const defaultHeaderTimeout = 60 * time.Second

func (c Config) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.HeaderTimeout
	if timeout <= 0 {
		timeout = defaultHeaderTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

func (c Config) extractor(native Extractor) Extractor {
	if c.Extractor != nil {
		return c.Extractor
	}
	return native
}

func (c Config) baseURL(fallback string) string {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		base = fallback
	}
	return strings.TrimSuffix(base, "/")
}

func setAttribution(req *http.Request, cfg Config) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if cfg.SiteURL != "" {
		req.Header.Set("HTTP-Referer", cfg.SiteURL)
	}
	if cfg.SiteTitle != "" {
		req.Header.Set("X-Title", cfg.SiteTitle)
	}
}

// openStream sends req and converts non-2xx responses and transport failures into typed errors.
func openStream(client *http.Client, req *http.Request, provider, model string, ex Extractor) (*Stream, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: provider, Model: model, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, newStatusError(provider, model, resp, body)
	}
	return &Stream{Body: resp.Body, Extractor: ex, Provider: provider, Model: model}, nil
}

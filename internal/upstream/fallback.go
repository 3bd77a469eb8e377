package upstream

import (
	"context"
	"errors"
	"log"
	"strings"
)

// Fallback tries each configured model in order until one opens a stream.
//
// Only failures before the stream opens are retried; once a Stream is returned
// the caller owns it and a mid-stream failure is final.
type Fallback struct {
	provider Provider
	models   []string
	logger   *log.Logger
}

// NewFallback wraps provider with an ordered model list.
func NewFallback(provider Provider, models []string, logger *log.Logger) (*Fallback, error) {
	if provider == nil {
		return nil, errors.New("fallback: provider required")
	}
	cleaned := make([]string, 0, len(models))
	for _, m := range models {
		if m = strings.TrimSpace(m); m != "" {
			cleaned = append(cleaned, m)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("fallback: at least one model required")
	}
	return &Fallback{provider: provider, models: cleaned, logger: logger}, nil
}

func (f *Fallback) Name() string { return f.provider.Name() }

// Models returns the fallback order.
func (f *Fallback) Models() []string { return append([]string(nil), f.models...) }

// Open ignores req.Model and walks the configured models. The last error is returned
// unwrapped so callers can classify it with errors.As.
func (f *Fallback) Open(ctx context.Context, req Request) (*Stream, error) {
	var lastErr error
	for i, model := range f.models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempt := req
		attempt.Model = model
		stream, err := f.provider.Open(ctx, attempt)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}
		if i < len(f.models)-1 && f.logger != nil {
			f.logger.Printf("model %s failed: %v; falling back to %s", model, err, f.models[i+1])
		}
	}
	return nil, lastErr
}

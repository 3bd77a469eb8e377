// Package relay validates chat requests, streams the upstream completion to the
// caller while accumulating it, and records both turns of the exchange.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
	"github.com/gradientsaas/gradient-chat/internal/metrics"
	"github.com/gradientsaas/gradient-chat/internal/upstream"
)

const (
	DefaultHistoryWindow     = 20
	DefaultMaxImageBytes     = 5 << 20
	DefaultMaxImages         = 4
	DefaultPersistTimeout    = 10 * time.Second
	DefaultStreamIdleTimeout = 90 * time.Second
)

// DefaultImageTypes are the MIME types accepted for attachments.
var DefaultImageTypes = []string{"image/png", "image/jpeg", "image/webp", "image/gif"}

// Config tunes the relay. Zero values take the defaults above.
type Config struct {
	// HistoryWindow is the number of most recent turns, including the new user turn, sent upstream.
	HistoryWindow int
	MaxTokens     int
	Generation    upstream.Generation
	Format        Format

	MaxImageBytes     int64
	MaxImages         int
	AllowedImageTypes []string

	PersistTimeout    time.Duration
	StreamIdleTimeout time.Duration
	// PersistPartial stores the text received before an upstream failure. Off by
	// default: a truncated reply is discarded. A client disconnect is never stored.
	PersistPartial bool
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.Format == "" {
		c.Format = FormatSSE
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = DefaultMaxImageBytes
	}
	if c.MaxImages <= 0 {
		c.MaxImages = DefaultMaxImages
	}
	if len(c.AllowedImageTypes) == 0 {
		c.AllowedImageTypes = DefaultImageTypes
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	return c
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
}

// Request is one chat submission.
type Request struct {
	ConversationID string
	Content        string
	Images         []conversation.ImageAttachment
}

// Service runs chat exchanges against a store and an upstream provider.
type Service struct {
	store    conversation.Store
	provider upstream.Provider
	cfg      Config

	logger   *log.Logger
	logLevel string
	tracer   trace.Tracer
	metrics  *metrics.Relay
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the logger; level "debug" enables per-line stream diagnostics.
func WithLogger(level string, logger *log.Logger) Option {
	return func(s *Service) {
		s.logLevel = strings.ToLower(strings.TrimSpace(level))
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithMetrics(m *metrics.Relay) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New builds a Service.
func New(store conversation.Store, provider upstream.Provider, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("relay: store required")
	}
	if provider == nil {
		return nil, errors.New("relay: upstream provider required")
	}
	s := &Service{
		store:    store,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   log.New(io.Discard, "", 0),
		tracer:   noop.NewTracerProvider().Tracer("relay"),
		metrics:  metrics.Noop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) debugf(format string, args ...any) {
	if s.logLevel == "debug" {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// Validate authorises the caller, checks the request shape and resolves the
// conversation. Nothing is read from the store unless identity is present.
func (s *Service) Validate(ctx context.Context, identity *Identity, req Request) (*conversation.Conversation, error) {
	if identity == nil || strings.TrimSpace(identity.UserID) == "" {
		return nil, newError(KindUnauthorized, "unauthorized", nil)
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, invalid("conversationId is required")
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Images) == 0 {
		return nil, invalid("content or images required")
	}
	if err := s.validateImages(req.Images); err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, req.ConversationID, identity.UserID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			// Same answer whether the id is unknown or owned by someone else.
			return nil, newError(KindNotFound, "conversation not found", nil)
		}
		return nil, newError(KindPersistence, "load conversation", err)
	}
	return conv, nil
}

func (s *Service) validateImages(images []conversation.ImageAttachment) error {
	if len(images) > s.cfg.MaxImages {
		return invalid("at most %d images per message", s.cfg.MaxImages)
	}
	for i, img := range images {
		label := img.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		declared, _, err := mime.ParseMediaType(img.MimeType)
		if err != nil || !s.allowedType(declared) {
			return invalid("image %s: unsupported type %q", label, img.MimeType)
		}
		if len(img.Data) == 0 {
			return invalid("image %s: empty data", label)
		}
		if int64(len(img.Data)) > s.cfg.MaxImageBytes {
			return invalid("image %s: exceeds %d bytes", label, s.cfg.MaxImageBytes)
		}
		if img.Size != 0 && img.Size != int64(len(img.Data)) {
			return invalid("image %s: declared size %d does not match data (%d bytes)", label, img.Size, len(img.Data))
		}
		if sniffed := http.DetectContentType(img.Data); sniffed != declared {
			return invalid("image %s: data is %s, declared %s", label, sniffed, declared)
		}
	}
	return nil
}

func (s *Service) allowedType(mt string) bool {
	for _, allowed := range s.cfg.AllowedImageTypes {
		if strings.EqualFold(allowed, mt) {
			return true
		}
	}
	return false
}

// Load appends the user turn before anything is sent upstream, refreshes the
// conversation and returns the bounded history, oldest first.
func (s *Service) Load(ctx context.Context, conv *conversation.Conversation, req Request) ([]conversation.Turn, error) {
	_, err := s.store.AppendTurn(ctx, conversation.Turn{
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        req.Content,
		Images:         req.Images,
	})
	if err != nil {
		s.metrics.RecordPersistFailure(ctx, string(conversation.RoleUser))
		return nil, newError(KindPersistence, "save message", err)
	}
	if err := s.store.TouchConversation(ctx, conv.ID); err != nil {
		s.logger.Printf("touch conversation %s failed: %v", conv.ID, err)
	}
	turns, err := s.store.RecentTurns(ctx, conv.ID, s.cfg.HistoryWindow)
	if err != nil {
		return nil, newError(KindPersistence, "load history", err)
	}
	return turns, nil
}

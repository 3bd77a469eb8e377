package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"

	defaultOpenRouterBase = "https://openrouter.ai/api/v1"
	defaultOpenAIBase     = "https://api.openai.com/v1"
)

// ChatProvider speaks the role-mapped chat completions format used by OpenRouter and OpenAI.
type ChatProvider struct {
	name    string
	cfg     Config
	baseURL string
	client  *http.Client
}

// NewChat builds a chat-completions provider. name is "openrouter" or "openai".
func NewChat(name string, cfg Config) (*ChatProvider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	var base string
	switch name {
	case "", ProviderOpenRouter:
		name = ProviderOpenRouter
		base = defaultOpenRouterBase
	case ProviderOpenAI:
		base = defaultOpenAIBase
	default:
		return nil, fmt.Errorf("upstream: unsupported chat provider %q", name)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: api key required", name)
	}
	return &ChatProvider{
		name:    name,
		cfg:     cfg,
		baseURL: cfg.baseURL(base),
		client:  cfg.client(),
	}, nil
}

func (p *ChatProvider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	TopK        int           `json:"top_k,omitempty"`
}

func buildChatRequest(req Request) chatRequest {
	out := chatRequest{
		Model:       req.Model,
		Messages:    make([]chatMessage, 0, len(req.Turns)),
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Generation.Temperature,
		TopP:        req.Generation.TopP,
		TopK:        req.Generation.TopK,
	}
	for _, turn := range req.Turns {
		msg := chatMessage{Role: string(turn.Role)}
		if len(turn.Images) == 0 {
			msg.Content = turn.Content
		} else {
			parts := make([]chatContentPart, 0, len(turn.Images)+1)
			if turn.Content != "" {
				parts = append(parts, chatContentPart{Type: "text", Text: turn.Content})
			}
			for _, img := range turn.Images {
				parts = append(parts, chatContentPart{
					Type:     "image_url",
					ImageURL: &chatImageURL{URL: dataURL(img)},
				})
			}
			msg.Content = parts
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}

func dataURL(img conversation.ImageAttachment) string {
	return "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// Open posts a streaming chat completion request.
func (p *ChatProvider) Open(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New(p.name + ": model name required")
	}
	body, err := json.Marshal(buildChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create stream request: %w", p.name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	setAttribution(httpReq, p.cfg)
	return openStream(p.client, httpReq, p.name, req.Model, p.cfg.extractor(ChatDeltaExtractor{}))
}

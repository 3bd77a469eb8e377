package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
)

const defaultGeminiBase = "https://generativelanguage.googleapis.com"

// GeminiProvider speaks the parts-based streamGenerateContent format.
type GeminiProvider struct {
	cfg     Config
	baseURL string
	client  *http.Client
}

// NewGemini builds a Gemini provider.
func NewGemini(cfg Config) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key required")
	}
	return &GeminiProvider{
		cfg:     cfg,
		baseURL: cfg.baseURL(defaultGeminiBase),
		client:  cfg.client(),
	}, nil
}

func (p *GeminiProvider) Name() string { return ProviderGemini }

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            int      `json:"topK,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

func buildGeminiRequest(req Request) geminiRequest {
	out := geminiRequest{Contents: make([]geminiContent, 0, len(req.Turns))}
	var system []geminiPart
	for _, turn := range req.Turns {
		if turn.Role == conversation.RoleSystem {
			if turn.Content != "" {
				system = append(system, geminiPart{Text: turn.Content})
			}
			continue
		}
		role := "user"
		if turn.Role == conversation.RoleAssistant {
			role = "model"
		}
		parts := make([]geminiPart, 0, len(turn.Images)+1)
		if turn.Content != "" {
			parts = append(parts, geminiPart{Text: turn.Content})
		}
		for _, img := range turn.Images {
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: img.MimeType, Data: img.Data}})
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: parts})
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	gen := geminiGenerationConfig{
		Temperature:     req.Generation.Temperature,
		TopP:            req.Generation.TopP,
		TopK:            req.Generation.TopK,
		MaxOutputTokens: req.MaxTokens,
	}
	if gen != (geminiGenerationConfig{}) {
		out.GenerationConfig = &gen
	}
	return out
}

// Open posts a streamGenerateContent request with SSE output.
func (p *GeminiProvider) Open(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("gemini: model name required")
	}
	body, err := json.Marshal(buildGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		p.baseURL, url.PathEscape(req.Model), url.QueryEscape(p.cfg.APIKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create stream request: %w", err)
	}
	setAttribution(httpReq, p.cfg)
	return openStream(p.client, httpReq, ProviderGemini, req.Model, p.cfg.extractor(PartsExtractor{}))
}

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
	"github.com/gradientsaas/gradient-chat/internal/testutil"
)

func readAll(t *testing.T, s *Stream) string {
	t.Helper()
	defer s.Body.Close()
	raw, err := io.ReadAll(s.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return decodeAll(NewDecoder(s.Extractor), string(raw))
}

func history() []conversation.Turn {
	return []conversation.Turn{
		{Role: conversation.RoleSystem, Content: "be brief"},
		{Role: conversation.RoleUser, Content: "hello"},
		{Role: conversation.RoleAssistant, Content: "hi"},
		{Role: conversation.RoleUser, Content: "what is this", Images: []conversation.ImageAttachment{{MimeType: "image/png", Data: []byte("png")}}},
	}
}

func TestChatProviderRequestShape(t *testing.T) {
	srv := testutil.NewSSEServer(t, testutil.Script{Chunks: []string{testutil.ChatChunk("Hi"), testutil.ChatChunk(" there"), testutil.Done}})
	temp := 0.2
	p, err := NewChat(ProviderOpenRouter, Config{
		APIKey:     "sk-test",
		BaseURL:    srv.URL + "/api/v1/",
		SiteURL:    "http://localhost:3000",
		SiteTitle:  "GradientSaaS Chat",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewChat: %v", err)
	}
	stream, err := p.Open(context.Background(), Request{Model: "deepseek/deepseek-r1-0528:free", Turns: history(), MaxTokens: 1000, Generation: Generation{Temperature: &temp}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readAll(t, stream); got != "Hi there" {
		t.Fatalf("unexpected text %q", got)
	}

	reqs := srv.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.Path != "/api/v1/chat/completions" {
		t.Fatalf("unexpected path %s", r.Path)
	}
	if r.Header.Get("Authorization") != "Bearer sk-test" {
		t.Fatalf("missing bearer token")
	}
	if r.Header.Get("HTTP-Referer") != "http://localhost:3000" || r.Header.Get("X-Title") != "GradientSaaS Chat" {
		t.Fatalf("missing attribution headers: %v", r.Header)
	}

	var body struct {
		Model       string            `json:"model"`
		Stream      bool              `json:"stream"`
		MaxTokens   int               `json:"max_tokens"`
		Temperature float64           `json:"temperature"`
		Messages    []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Model != "deepseek/deepseek-r1-0528:free" || !body.Stream || body.MaxTokens != 1000 || body.Temperature != 0.2 {
		t.Fatalf("unexpected body %s", r.Body)
	}
	if len(body.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(body.Messages))
	}
	if !strings.Contains(string(body.Messages[0]), `"role":"system"`) {
		t.Fatalf("system turn not mapped: %s", body.Messages[0])
	}
	if !strings.Contains(string(body.Messages[3]), `"url":"data:image/png;base64,cG5n"`) {
		t.Fatalf("image not sent as data url: %s", body.Messages[3])
	}
}

func TestGeminiProviderRequestShape(t *testing.T) {
	srv := testutil.NewSSEServer(t, testutil.Script{Chunks: []string{testutil.PartsChunk("Bon"), testutil.PartsChunk("jour")}})
	topP := 0.9
	p, err := NewGemini(Config{APIKey: "g-key", BaseURL: srv.URL, SiteTitle: "GradientSaaS Chat", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	stream, err := p.Open(context.Background(), Request{Model: "gemini-1.5-flash", Turns: history(), MaxTokens: 2048, Generation: Generation{TopP: &topP, TopK: 40}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readAll(t, stream); got != "Bonjour" {
		t.Fatalf("unexpected text %q", got)
	}

	r := srv.Requests()[0]
	if r.Path != "/v1beta/models/gemini-1.5-flash:streamGenerateContent" {
		t.Fatalf("unexpected path %s", r.Path)
	}
	if !strings.Contains(r.RawQuery, "alt=sse") || !strings.Contains(r.RawQuery, "key=g-key") {
		t.Fatalf("unexpected query %s", r.RawQuery)
	}

	var body geminiRequest
	if err := json.Unmarshal(r.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.SystemInstruction == nil || body.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("system turn should become systemInstruction: %s", r.Body)
	}
	if len(body.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(body.Contents))
	}
	if body.Contents[1].Role != "model" {
		t.Fatalf("assistant should map to model, got %q", body.Contents[1].Role)
	}
	last := body.Contents[2]
	if len(last.Parts) != 2 || last.Parts[1].InlineData == nil || string(last.Parts[1].InlineData.Data) != "png" {
		t.Fatalf("unexpected parts %s", r.Body)
	}
	gc := body.GenerationConfig
	if gc == nil || gc.MaxOutputTokens != 2048 || gc.TopK != 40 || gc.TopP == nil || *gc.TopP != 0.9 {
		t.Fatalf("unexpected generation config %s", r.Body)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	srv := testutil.NewSSEServer(t, testutil.Script{
		Status: http.StatusTooManyRequests,
		Header: map[string]string{"Retry-After": "7"},
		Body:   `{"error":{"message":"Rate limit exceeded: free-models-per-min"}}`,
	})
	p, _ := NewChat(ProviderOpenAI, Config{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := p.Open(context.Background(), Request{Model: "m"})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if !se.RateLimited() || se.RetryAfter != 7*time.Second {
		t.Fatalf("unexpected status error %+v", se)
	}
	if se.Message != "Rate limit exceeded: free-models-per-min" {
		t.Fatalf("unexpected message %q", se.Message)
	}
	if !Retryable(err) {
		t.Fatalf("429 should be retryable")
	}
}

func TestTransportError(t *testing.T) {
	p, _ := NewChat(ProviderOpenRouter, Config{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	_, err := p.Open(context.Background(), Request{Model: "m"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !Retryable(err) {
		t.Fatalf("transport errors should be retryable")
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("é", 300)
	got := Preview([]byte(long), PreviewLimit)
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Fatalf("expected truncation marker, got %q", got)
	}
	if len(strings.TrimSuffix(got, "...(truncated)")) > PreviewLimit {
		t.Fatalf("preview exceeds limit")
	}
}

func TestNewChatRequiresKey(t *testing.T) {
	if _, err := NewChat(ProviderOpenRouter, Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
	if _, err := NewChat("anthropic", Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
}

func TestConfiguredExtractorOverridesNative(t *testing.T) {
	srv := testutil.NewSSEServer(t, testutil.Script{Chunks: []string{testutil.PartsChunk("Hello"), testutil.PartsChunk(" world")}})
	ex, err := ExtractorByName("parts")
	if err != nil {
		t.Fatalf("ExtractorByName: %v", err)
	}
	p, err := NewChat(ProviderOpenAI, Config{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client(), Extractor: ex})
	if err != nil {
		t.Fatalf("NewChat: %v", err)
	}
	stream, err := p.Open(context.Background(), Request{Model: "gpt-4o", Turns: history()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := stream.Extractor.(PartsExtractor); !ok {
		t.Fatalf("expected parts extractor, got %T", stream.Extractor)
	}
	if got := readAll(t, stream); got != "Hello world" {
		t.Fatalf("unexpected text %q", got)
	}
}

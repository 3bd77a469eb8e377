package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extractor pulls the incremental text out of one decoded event payload.
// An empty string with a nil error means the payload carried no text.
type Extractor interface {
	Extract(payload []byte) (string, error)
}

// ChatDeltaExtractor reads choices[0].delta.content from chat-completion chunks.
type ChatDeltaExtractor struct{}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (ChatDeltaExtractor) Extract(payload []byte) (string, error) {
	var chunk chatChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", fmt.Errorf("decode chat chunk: %w", err)
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

// PartsExtractor concatenates candidates[].content.parts[].text from generateContent chunks.
type PartsExtractor struct{}

type partsChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (PartsExtractor) Extract(payload []byte) (string, error) {
	var chunk partsChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", fmt.Errorf("decode parts chunk: %w", err)
	}
	return chunk.text(), nil
}

func (c partsChunk) text() string {
	var b strings.Builder
	for _, cand := range c.Candidates {
		for _, part := range cand.Content.Parts {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// AutoExtractor accepts either shape, preferring choices when both are present.
type AutoExtractor struct{}

func (AutoExtractor) Extract(payload []byte) (string, error) {
	var chunk struct {
		chatChunk
		partsChunk
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", fmt.Errorf("decode chunk: %w", err)
	}
	if len(chunk.Choices) > 0 {
		return chunk.Choices[0].Delta.Content, nil
	}
	return chunk.partsChunk.text(), nil
}

// ExtractorByName maps a configuration value to an Extractor.
func ExtractorByName(name string) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return AutoExtractor{}, nil
	case "chat", "delta":
		return ChatDeltaExtractor{}, nil
	case "parts", "gemini":
		return PartsExtractor{}, nil
	default:
		return nil, fmt.Errorf("unknown extractor %q", name)
	}
}

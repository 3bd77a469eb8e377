package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gradientsaas/gradient-chat/internal/upstream"
)

// UpstreamProfile is the optional YAML file named by upstream_profile_file:
//
//	models:
//	  - openai/gpt-4o-mini
//	  - meta-llama/llama-3.1-70b-instruct
//	max_output_tokens: 2048
//	generation:
//	  temperature: 0.7
//	  top_p: 0.9
//
// Keys set in INI or the environment take precedence over the profile.
type UpstreamProfile struct {
	Models          []string            `yaml:"models"`
	MaxOutputTokens int                 `yaml:"max_output_tokens"`
	Generation      upstream.Generation `yaml:"generation"`
}

// LoadUpstreamProfile parses the YAML profile at path.
func LoadUpstreamProfile(path string) (UpstreamProfile, error) {
	var p UpstreamProfile
	b, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read upstream profile: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return UpstreamProfile{}, fmt.Errorf("parse upstream profile %s: %w", path, err)
	}
	return p, nil
}

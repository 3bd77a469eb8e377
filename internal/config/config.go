// Package config loads chatd settings from layered INI files, GRADIENT_*
// environment variables and an optional YAML upstream profile.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gradientsaas/gradient-chat/internal/upstream"
)

const (
	DefaultHTTPAddress = ":8080"
	DefaultModel       = "openai/gpt-4o-mini"
	DefaultAuthSecret  = "gradient-dev-secret"
)

// ChatConfig describes runtime options for chatd.
type ChatConfig struct {
	Environment string
	HTTPAddress string
	AuthSecret  string
	LogFile     string
	LogLevel    string

	// Upstream
	Provider          string
	APIKey            string
	Models            []string
	BaseURL           string
	SiteURL           string
	SiteTitle         string
	MaxOutputTokens   int
	Generation        upstream.Generation
	UpstreamTimeout   time.Duration
	StreamIdleTimeout time.Duration
	ProfileFile       string
	// Extractor names the payload extractor; empty keeps the provider's native one.
	Extractor string

	// Relay
	HistoryWindow  int
	ResponseFormat string
	PersistPartial bool

	// Store
	StoreDriver     string
	StorePath       string
	StoreDSN        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	TelemetryEnabled bool
	TelemetryDir     string
}

// LoadChatConfig reads the current environment and loads config/<env>/chatd.ini.
func LoadChatConfig(root string) (ChatConfig, error) {
	if root == "" {
		root = "."
	}
	env, merged, err := loadMerged(root)
	if err != nil {
		return ChatConfig{}, err
	}
	get := func(key string) string { return lookup(merged, key) }

	cfg := ChatConfig{
		Environment:    env,
		HTTPAddress:    firstNonEmpty(get("http_address"), DefaultHTTPAddress),
		AuthSecret:     firstNonEmpty(get("auth_secret"), DefaultAuthSecret),
		LogFile:        get("log_file"),
		LogLevel:       strings.ToLower(firstNonEmpty(get("log_level"), "info")),
		Provider:       strings.ToLower(firstNonEmpty(get("upstream_provider"), upstream.ProviderOpenRouter)),
		APIKey:         get("upstream_api_key"),
		Models:         parseCSV(get("upstream_model")),
		BaseURL:        get("upstream_base_url"),
		SiteURL:        get("site_url"),
		SiteTitle:      firstNonEmpty(get("site_title"), "Gradient Chat"),
		ProfileFile:    get("upstream_profile_file"),
		Extractor:      strings.ToLower(strings.TrimSpace(get("upstream_extractor"))),
		ResponseFormat: strings.ToLower(firstNonEmpty(get("response_format"), "sse")),
		PersistPartial: parseOptionalBool(get("persist_partial"), false),
		StoreDriver:    strings.ToLower(firstNonEmpty(get("store_driver"), "sqlite")),
		StorePath:      firstNonEmpty(get("store_path"), DefaultStorePath()),
		StoreDSN:       get("store_dsn"),
		RedisAddr:      get("redis_addr"),
		RedisPassword:  get("redis_password"),
		TelemetryDir:   firstNonEmpty(get("telemetry_dir"), filepath.Join(filepath.Dir(DefaultStorePath()), "telemetry")),

		RateLimitEnabled: parseOptionalBool(get("rate_limit_enabled"), true),
		TelemetryEnabled: parseOptionalBool(get("telemetry_enabled"), false),
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var e error
	cfg.MaxOutputTokens, e = parseInt("max_output_tokens", get("max_output_tokens"), 0)
	collect(e)
	cfg.Generation.Temperature, e = parseOptionalFloat("temperature", get("temperature"))
	collect(e)
	cfg.Generation.TopP, e = parseOptionalFloat("top_p", get("top_p"))
	collect(e)
	cfg.Generation.TopK, e = parseInt("top_k", get("top_k"), 0)
	collect(e)
	cfg.UpstreamTimeout, e = parseDuration("upstream_timeout", get("upstream_timeout"), 60*time.Second)
	collect(e)
	cfg.StreamIdleTimeout, e = parseDuration("stream_idle_timeout", get("stream_idle_timeout"), 90*time.Second)
	collect(e)
	cfg.HistoryWindow, e = parseInt("history_window", get("history_window"), 20)
	collect(e)
	cfg.MaxOpenConns, e = parseInt("store_max_open_conns", get("store_max_open_conns"), 20)
	collect(e)
	cfg.MaxIdleConns, e = parseInt("store_max_idle_conns", get("store_max_idle_conns"), 5)
	collect(e)
	cfg.ConnMaxLifetime, e = parseDuration("store_conn_max_lifetime", get("store_conn_max_lifetime"), 30*time.Minute)
	collect(e)
	cfg.RateLimitRPS, e = parseFloat("rate_limit_rps", get("rate_limit_rps"), 1)
	collect(e)
	cfg.RateLimitBurst, e = parseInt("rate_limit_burst", get("rate_limit_burst"), 10)
	collect(e)
	cfg.RedisDB, e = parseInt("redis_db", get("redis_db"), 0)
	collect(e)
	if len(errs) > 0 {
		return ChatConfig{}, errors.Join(errs...)
	}

	if cfg.ProfileFile != "" {
		if !filepath.IsAbs(cfg.ProfileFile) {
			cfg.ProfileFile = filepath.Join(root, cfg.ProfileFile)
		}
		profile, err := LoadUpstreamProfile(cfg.ProfileFile)
		if err != nil {
			return ChatConfig{}, err
		}
		cfg.applyProfile(profile)
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{DefaultModel}
	}
	if err := cfg.Validate(); err != nil {
		return ChatConfig{}, err
	}
	return cfg, nil
}

// applyProfile fills values not set through INI or the environment.
func (c *ChatConfig) applyProfile(p UpstreamProfile) {
	if len(c.Models) == 0 {
		for _, m := range p.Models {
			if m = strings.TrimSpace(m); m != "" {
				c.Models = append(c.Models, m)
			}
		}
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = p.MaxOutputTokens
	}
	if c.Generation.Temperature == nil {
		c.Generation.Temperature = p.Generation.Temperature
	}
	if c.Generation.TopP == nil {
		c.Generation.TopP = p.Generation.TopP
	}
	if c.Generation.TopK == 0 {
		c.Generation.TopK = p.Generation.TopK
	}
}

// Validate reports every invalid setting.
func (c ChatConfig) Validate() error {
	var errs []error
	switch c.Provider {
	case upstream.ProviderOpenRouter, upstream.ProviderOpenAI, upstream.ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("upstream_provider %q must be openrouter, openai or gemini", c.Provider))
	}
	if c.Extractor != "" {
		if _, err := upstream.ExtractorByName(c.Extractor); err != nil {
			errs = append(errs, fmt.Errorf("upstream_extractor: %w", err))
		}
	}
	switch c.ResponseFormat {
	case "sse", "text":
	default:
		errs = append(errs, fmt.Errorf("response_format %q must be sse or text", c.ResponseFormat))
	}
	switch c.StoreDriver {
	case "sqlite", "sqlite3", "memory":
	case "postgres":
		if c.StoreDSN == "" {
			errs = append(errs, errors.New("store_dsn is required for store_driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store_driver %q", c.StoreDriver))
	}
	if c.HistoryWindow <= 0 {
		errs = append(errs, fmt.Errorf("history_window must be positive, got %d", c.HistoryWindow))
	}
	if c.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("max_output_tokens must not be negative, got %d", c.MaxOutputTokens))
	}
	if t := c.Generation.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("temperature %v out of range [0,2]", *t))
	}
	if p := c.Generation.TopP; p != nil && (*p <= 0 || *p > 1) {
		errs = append(errs, fmt.Errorf("top_p %v out of range (0,1]", *p))
	}
	if c.Generation.TopK < 0 {
		errs = append(errs, fmt.Errorf("top_k must not be negative, got %d", c.Generation.TopK))
	}
	if c.UpstreamTimeout <= 0 || c.StreamIdleTimeout <= 0 {
		errs = append(errs, errors.New("upstream_timeout and stream_idle_timeout must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("rate_limit_rps and rate_limit_burst must be positive when rate limiting is enabled"))
	}
	if strings.TrimSpace(c.AuthSecret) == "" {
		errs = append(errs, errors.New("auth_secret is required"))
	}
	return errors.Join(errs...)
}

// DefaultStorePath returns the fallback conversation database under the user's home directory.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat.db"
	}
	return filepath.Join(home, ".gradient", "chat.db")
}

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gradientsaas/gradient-chat/internal/config"
	"github.com/gradientsaas/gradient-chat/internal/conversation"
	"github.com/gradientsaas/gradient-chat/internal/conversation/memory"
	"github.com/gradientsaas/gradient-chat/internal/conversation/postgres"
	"github.com/gradientsaas/gradient-chat/internal/conversation/sqlite"
	"github.com/gradientsaas/gradient-chat/internal/health"
	"github.com/gradientsaas/gradient-chat/internal/ratelimit"
	"github.com/gradientsaas/gradient-chat/internal/upstream"
)

func openStore(cfg config.ChatConfig) (conversation.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		pc := postgres.DefaultConfig()
		pc.MaxOpenConns = cfg.MaxOpenConns
		pc.MaxIdleConns = cfg.MaxIdleConns
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
		return postgres.New(cfg.StoreDSN, pc)
	case sqlite.DriverModernc, sqlite.DriverCGO:
		return sqlite.NewWithDriver(cfg.StoreDriver, cfg.StorePath)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func buildProvider(cfg config.ChatConfig, logger *log.Logger) (*upstream.Fallback, error) {
	ucfg := upstream.Config{
		APIKey:        cfg.APIKey,
		BaseURL:       cfg.BaseURL,
		SiteURL:       cfg.SiteURL,
		SiteTitle:     cfg.SiteTitle,
		HeaderTimeout: cfg.UpstreamTimeout,
	}
	if cfg.Extractor != "" {
		ex, err := upstream.ExtractorByName(cfg.Extractor)
		if err != nil {
			return nil, err
		}
		ucfg.Extractor = ex
	}
	var (
		base upstream.Provider
		err  error
	)
	switch cfg.Provider {
	case upstream.ProviderGemini:
		base, err = upstream.NewGemini(ucfg)
	default:
		base, err = upstream.NewChat(cfg.Provider, ucfg)
	}
	if err != nil {
		return nil, err
	}
	return upstream.NewFallback(base, cfg.Models, logger)
}

// buildLimiter returns nil when rate limiting is disabled. A configured
// redis_addr shares buckets across instances.
// The returned Pinger is non-nil only for the Redis store.
func buildLimiter(ctx context.Context, cfg config.ChatConfig, logger *log.Logger) (*ratelimit.Limiter, health.Pinger, error) {
	if !cfg.RateLimitEnabled {
		return nil, nil, nil
	}
	var (
		store  ratelimit.Store
		pinger health.Pinger
	)
	if cfg.RedisAddr != "" {
		rs, err := ratelimit.NewRedisStore(ctx, ratelimit.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		store, pinger = rs, rs
	} else {
		store = ratelimit.NewMemoryStore()
	}
	return ratelimit.NewLimiter(ratelimit.Config{
		Store:             store,
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             float64(cfg.RateLimitBurst),
		Logger:            logger,
	}), pinger, nil
}

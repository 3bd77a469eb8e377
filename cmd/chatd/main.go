package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gradientsaas/gradient-chat/internal/auth"
	"github.com/gradientsaas/gradient-chat/internal/config"
	"github.com/gradientsaas/gradient-chat/internal/health"
	"github.com/gradientsaas/gradient-chat/internal/httpserver"
	"github.com/gradientsaas/gradient-chat/internal/logging"
	"github.com/gradientsaas/gradient-chat/internal/metrics"
	"github.com/gradientsaas/gradient-chat/internal/ratelimit"
	"github.com/gradientsaas/gradient-chat/internal/relay"
	"github.com/gradientsaas/gradient-chat/internal/telemetry"
	"github.com/gradientsaas/gradient-chat/internal/version"
)

const logFlags = log.LstdFlags | log.Lmicroseconds

func main() {
	root := flag.String("root", ".", "directory containing config/")
	mintUser := flag.String("mint-token", "", "print a session token for this user id and exit")
	mintTTL := flag.Duration("mint-ttl", auth.DefaultTTL, "lifetime of the minted token")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Current())
		return
	}

	cfg, err := config.LoadChatConfig(*root)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	authManager, err := auth.NewManager(cfg.AuthSecret)
	if err != nil {
		log.Fatalf("init auth: %v", err)
	}
	if *mintUser != "" {
		token, err := authManager.IssueToken(*mintUser, *mintTTL)
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
		fmt.Println(token)
		return
	}

	rot, err := logging.NewWriter(cfg.LogFile, logging.Options{Compress: true})
	if err != nil {
		log.Fatalf("init rotating log: %v", err)
	}
	defer rot.Close()
	// Mirror to stdout as well for foreground runs
	out := io.MultiWriter(os.Stdout, rot)
	log.SetOutput(out)
	log.SetFlags(logFlags)
	log.SetPrefix("[chatd] ")
	log.Printf("starting chatd %s env=%s", version.Current(), cfg.Environment)
	if cfg.AuthSecret == config.DefaultAuthSecret {
		log.Printf("auth_secret not set; using the development secret")
	}

	ctx := context.Background()
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		Dir:            cfg.TelemetryDir,
		ServiceName:    "chatd",
		ServiceVersion: version.Version,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	relayMetrics, err := metrics.NewRelay(tel.Meter)
	if err != nil {
		log.Fatalf("init metrics: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open conversation store: %v", err)
	}
	defer store.Close()

	provider, err := buildProvider(cfg, log.New(out, "[chatd/upstream] ", logFlags))
	if err != nil {
		log.Fatalf("init upstream: %v", err)
	}

	format, err := relay.ParseFormat(cfg.ResponseFormat)
	if err != nil {
		log.Fatalf("%v", err)
	}
	svc, err := relay.New(store, provider, relay.Config{
		HistoryWindow:     cfg.HistoryWindow,
		MaxTokens:         cfg.MaxOutputTokens,
		Generation:        cfg.Generation,
		Format:            format,
		StreamIdleTimeout: cfg.StreamIdleTimeout,
		PersistPartial:    cfg.PersistPartial,
	},
		relay.WithLogger(cfg.LogLevel, log.New(out, "[chatd/relay] ", logFlags)),
		relay.WithTracer(tel.Tracer),
		relay.WithMetrics(relayMetrics),
	)
	if err != nil {
		log.Fatalf("init relay: %v", err)
	}

	httpLogger := log.New(out, "[chatd/http] ", logFlags)
	httpSrv := httpserver.New(svc, store, authManager)
	httpSrv.SetLogger(cfg.LogLevel, httpLogger)

	limiter, redisPinger, err := buildLimiter(ctx, cfg, httpLogger)
	if err != nil {
		log.Fatalf("init rate limiter: %v", err)
	}
	if limiter != nil {
		defer limiter.Close()
		mw := ratelimit.NewMiddleware(limiter, true, httpserver.RateLimitKey, httpLogger)
		mw.OnReject(func(r *http.Request) { relayMetrics.RecordRateLimited(r.Context()) })
		httpSrv.SetRateLimiter(mw)
		httpLogger.Printf("rate limit %.2f req/s burst %.0f per user", limiter.Rate(), limiter.Capacity())
	}
	probes := []health.Probe{{Name: "conversation_store", Type: cfg.StoreDriver, Critical: true, Target: store}}
	if redisPinger != nil {
		probes = append(probes, health.Probe{Name: "ratelimit_redis", Type: "cache", Target: redisPinger})
	}
	httpSrv.SetHealthChecker(health.New(health.Config{}, probes...))

	// No WriteTimeout: replies stream for as long as the upstream keeps sending.
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("chat server listening on %s provider=%s models=%v store=%s", cfg.HTTPAddress, provider.Name(), provider.Models(), cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
}

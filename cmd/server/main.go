// Command server runs the billing service: webhook ingestion for
// Lemon Squeezy and Paddle, the checkout/verification flow, and the
// entitlement read API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	zl "github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LeonKindaTired/cvally/pkg/api"
	"github.com/LeonKindaTired/cvally/pkg/billing"
	"github.com/LeonKindaTired/cvally/pkg/billing/lemonsqueezy"
	prommetrics "github.com/LeonKindaTired/cvally/pkg/billing/metrics/prometheus"
	"github.com/LeonKindaTired/cvally/pkg/billing/paddle"
	"github.com/LeonKindaTired/cvally/pkg/entitlement"
	zerologadapter "github.com/LeonKindaTired/cvally/pkg/entitlement/logger/zerolog"
	"github.com/LeonKindaTired/cvally/storage/memory"
	"github.com/LeonKindaTired/cvally/storage/postgres"
	"github.com/LeonKindaTired/cvally/storage/rediscache"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	zl.TimeFieldFormat = zl.TimeFormatUnix
	zlog := zl.New(os.Stdout).With().Timestamp().Str("service", "cvally").Logger()
	if level, err := zl.ParseLevel(envOr("LOG_LEVEL", "info")); err == nil {
		zlog = zlog.Level(level)
	}
	logger := zerologadapter.NewLogger(zlog)

	if err := run(logger, zlog); err != nil {
		zlog.Fatal().Err(err).Msg("server exited")
	}
}

func run(logger entitlement.Logger, zlog zl.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(registry, "cvally")

	store, closeStore, err := buildStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	processor, err := entitlement.NewProcessor(entitlement.ProcessorConfig{
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	webhooks := make(map[string]http.Handler)

	var catalog api.ProductCatalog
	if secret := os.Getenv("LEMONSQUEEZY_WEBHOOK_SECRET"); secret != "" {
		provider, err := lemonsqueezy.NewProvider(lemonsqueezy.Config{
			WebhookSecret: secret,
			APIKey:        os.Getenv("LEMONSQUEEZY_API_KEY"),
			StoreID:       os.Getenv("LEMONSQUEEZY_STORE_ID"),
			AppURL:        os.Getenv("APP_URL"),
			Logger:        logger,
			Metrics:       metrics,
		})
		if err != nil {
			return fmt.Errorf("create lemonsqueezy provider: %w", err)
		}
		handler, err := billing.NewWebhookHandler(billing.WebhookConfig{
			Provider:  provider,
			Processor: processor,
			Logger:    logger,
			Metrics:   metrics,
			Enrich:    provider.EnrichEvent,
		})
		if err != nil {
			return fmt.Errorf("create lemonsqueezy webhook handler: %w", err)
		}
		webhooks[provider.Name()] = handler
		catalog = provider
		zlog.Info().Msg("lemonsqueezy provider enabled")
	}

	var (
		subscriptions api.SubscriptionManager
		verifier      *entitlement.Verifier
	)
	if secret := os.Getenv("PADDLE_WEBHOOK_SECRET"); secret != "" {
		provider, err := paddle.NewProvider(paddle.Config{
			WebhookSecret: secret,
			APIKey:        os.Getenv("PADDLE_API_KEY"),
			Sandbox:       envBool("PADDLE_SANDBOX"),
			Logger:        logger,
			Metrics:       metrics,
		})
		if err != nil {
			return fmt.Errorf("create paddle provider: %w", err)
		}
		handler, err := billing.NewWebhookHandler(billing.WebhookConfig{
			Provider:  provider,
			Processor: processor,
			Logger:    logger,
			Metrics:   metrics,
		})
		if err != nil {
			return fmt.Errorf("create paddle webhook handler: %w", err)
		}
		webhooks[provider.Name()] = handler
		subscriptions = provider

		verifier, err = entitlement.NewVerifier(entitlement.VerifierConfig{
			Fetcher:      provider,
			Processor:    processor,
			PollInterval: envDuration("VERIFY_POLL_INTERVAL", 3*time.Second),
			MaxAttempts:  envInt("VERIFY_MAX_ATTEMPTS", 10),
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("create verifier: %w", err)
		}
		zlog.Info().Msg("paddle provider enabled")
	}

	if len(webhooks) == 0 {
		return fmt.Errorf("no billing provider configured; set LEMONSQUEEZY_WEBHOOK_SECRET or PADDLE_WEBHOOK_SECRET")
	}

	handler, err := api.NewHandler(api.Config{
		Store:         store,
		Processor:     processor,
		Verifier:      verifier,
		Webhooks:      webhooks,
		Catalog:       catalog,
		Subscriptions: subscriptions,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("create api handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", handler.Router())

	srv := &http.Server{
		Addr:              envOr("LISTEN_ADDR", ":8080"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		zlog.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildStore selects the storage backend: postgres when DATABASE_URL is set,
// in-memory otherwise. With REDIS_URL set, entitlement reads go through a
// Redis cache in front of the selected backend.
func buildStore(ctx context.Context, logger entitlement.Logger) (entitlement.Store, func(), error) {
	var (
		store   entitlement.Store
		cleanup func()
	)

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config := postgres.DefaultConfig()
		config.ConnectionString = dsn
		pg, err := postgres.New(ctx, config)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate schema: %w", err)
		}
		store, cleanup = pg, pg.Close
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store, cleanup = memory.New(), func() {}
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		cacheConfig := rediscache.DefaultConfig()
		cacheConfig.Logger = logger
		cached, err := rediscache.New(client, store, cacheConfig)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("create redis cache: %w", err)
		}
		inner := cleanup
		store = cached
		cleanup = func() {
			_ = client.Close()
			inner()
		}
	}

	return store, cleanup, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

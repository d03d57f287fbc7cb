package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"meemee-bot/internal/cache"
	"meemee-bot/internal/catalog"
	"meemee-bot/internal/config"
	"meemee-bot/internal/generation"
	"meemee-bot/internal/httpserver"
	"meemee-bot/internal/kie"
	"meemee-bot/internal/lava"
	"meemee-bot/internal/logging"
	"meemee-bot/internal/metrics"
	"meemee-bot/internal/orders"
	"meemee-bot/internal/oxpay"
	"meemee-bot/internal/quota"
	"meemee-bot/internal/reconcile"
	"meemee-bot/internal/referral"
	"meemee-bot/internal/repo"
	"meemee-bot/internal/studio"
	"meemee-bot/internal/wa"
	"meemee-bot/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger.Info("starting meemee-bot", "env", cfg.App.Env, "db_driver", cfg.DB.Driver)

	if cfg.HTTP.PublicBaseURL != "" {
		base := strings.TrimRight(cfg.HTTP.PublicBaseURL, "/")
		logger.Info("public base url configured", "base_url", base,
			"lava_webhook", base+"/webhook/lava", "crypto_webhook", base+"/webhook/crypto")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.App.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := openRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
	}

	packages, err := catalog.NewPackages(cfg.Lava.OfferIDs)
	if err != nil {
		return fmt.Errorf("load packages: %w", err)
	}
	memes, err := catalog.DefaultMemes()
	if err != nil {
		return fmt.Errorf("load memes: %w", err)
	}

	quotaLedger := quota.NewLedger(repository, cfg.App.SignupFreeQuota, metricRegistry, logger)
	orderSvc := orders.NewService(repository, logger)
	referralLedger := referral.NewLedger(repository, quotaLedger, referral.Config{
		Bonus:                 cfg.Referral.Bonus,
		ExpertCashbackPercent: cfg.Referral.ExpertCashbackPercent,
		SuspiciousDailyLimit:  cfg.Referral.SuspiciousDailyLimit,
	}, metricRegistry, logger)

	kieClient := kie.New(kie.Config{
		BaseURL: cfg.Kie.BaseURL,
		APIKey:  cfg.Kie.APIKey,
		Model:   cfg.Kie.Model,
		Timeout: cfg.Kie.Timeout,
	}, logger, metricRegistry)

	var bus generation.Bus = generation.NewLocalBus()
	if redisClient != nil {
		bus = generation.NewRedisBus(redisClient)
	}
	gens := generation.NewService(repository, memes, kieClient, bus, generation.Config{
		PollAttempts: cfg.Generation.PollAttempts,
		PollInterval: cfg.Generation.PollInterval,
	}, metricRegistry, logger)
	pool := generation.NewPool(gens, generation.PoolConfig{
		Workers:       cfg.Generation.Workers,
		QueueSize:     cfg.Generation.QueueSize,
		SweepInterval: cfg.Generation.SweepInterval,
	}, metricRegistry, logger)
	gens.SetQueue(pool)

	var notifier studio.Notifier = studio.NewLogNotifier(logger)
	if cfg.WhatsApp.Enabled {
		waClient, err := wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsApp.StorePath,
			LogLevel:  cfg.WhatsApp.LogLevel,
			Metrics:   metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()
		if err := waClient.Start(ctx); err != nil {
			return fmt.Errorf("start whatsapp client: %w", err)
		}
		notifier = waClient
	}

	studioSvc := studio.New(quotaLedger, gens, notifier, logger)
	gens.SetTerminalHook(studioSvc)

	reconciler := reconcile.New(repository, orderSvc, quotaLedger, referralLedger, packages, studioSvc, logger)
	lavaHook := reconcile.NewWebhookHandler(reconcile.ProviderLava, cfg.Lava.WebhookSecret, reconciler,
		webhookGuard(redisClient, cfg.Redis.WebhookDedupTTL, reconcile.ProviderLava, logger), metricRegistry, logger)
	cryptoHook := reconcile.NewWebhookHandler(reconcile.ProviderCrypto, cfg.Crypto.WebhookSecret, reconciler,
		webhookGuard(redisClient, cfg.Redis.WebhookDedupTTL, reconcile.ProviderCrypto, logger), metricRegistry, logger)

	lavaClient := lava.New(lava.Config{
		BaseURL: cfg.Lava.BaseURL,
		APIKey:  cfg.Lava.APIKey,
		Timeout: cfg.Lava.Timeout,
	}, logger, metricRegistry)
	oxClient := oxpay.New(oxpay.Config{
		BaseURL:    cfg.Crypto.BaseURL,
		MerchantID: cfg.Crypto.MerchantID,
		Timeout:    cfg.Crypto.Timeout,
		MinTTL:     cfg.Crypto.MinAmountTTL,
	}, logger, metricRegistry, redisClient)

	handlers := httpserver.Handlers{
		LavaWebhook:   lavaHook,
		CryptoWebhook: cryptoHook,
	}
	if cfg.HTTP.APIKey != "" {
		handlers.API = httpserver.NewAPI(httpserver.APIConfig{
			Key:      cfg.HTTP.APIKey,
			BotName:  cfg.App.BotName,
			MaxWait:  cfg.Generation.WaitTimeout,
			Fiat:     lava.NewAdapter(lavaClient, orderSvc, packages, logger),
			Crypto:   oxpay.NewAdapter(oxClient, orderSvc, packages, cfg.Crypto.ContactEmail, logger),
			Orders:   orderSvc,
			Quota:    quotaLedger,
			Referral: referralLedger,
			Gens:     gens,
			Studio:   studioSvc,
			Metrics:  metricRegistry,
		}, logger)
	}
	httpSrv := httpserver.New(cfg.HTTP.ListenAddr, logger, metricRegistry, handlers, cfg.HTTP.BasePath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		return httpSrv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("stopped")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*repo.SQLRepository, error) {
	if cfg.DB.Driver == config.DriverSQLite {
		return repo.NewSQLite(ctx, cfg.DB.Path, logger)
	}
	return repo.New(ctx, cfg.DB.URL, cfg.DB.Schema, logger)
}

// openRedis returns nil when Redis is not configured or unreachable. Every
// Redis-backed layer has a database fallback.
func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *cache.Redis {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil
	}
	client := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		UseTLS:   cfg.Redis.TLS,
	}, logger)
	if err := client.Ping(ctx); err != nil {
		logger.Warn("redis ping failed, running without redis", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

func webhookGuard(redisClient *cache.Redis, ttl time.Duration, provider reconcile.Provider, logger *slog.Logger) *cache.IdempotencyGuard {
	if redisClient == nil {
		return nil
	}
	guard, err := cache.NewIdempotencyGuard(redisClient, ttl, "webhook:"+string(provider))
	if err != nil {
		logger.Warn("webhook idempotency guard disabled", "provider", provider, "error", err)
		return nil
	}
	return guard
}

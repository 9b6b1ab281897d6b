// Package main запускает HTTP-сервер и фоновую сверку сервиса кошельков.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/paywallet/internal/auth"
	"github.com/mmeshcher/paywallet/internal/config"
	"github.com/mmeshcher/paywallet/internal/events"
	"github.com/mmeshcher/paywallet/internal/handler"
	"github.com/mmeshcher/paywallet/internal/lock"
	"github.com/mmeshcher/paywallet/internal/metrics"
	"github.com/mmeshcher/paywallet/internal/middleware"
	"github.com/mmeshcher/paywallet/internal/provider"
	"github.com/mmeshcher/paywallet/internal/repository"
	"github.com/mmeshcher/paywallet/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	var locker lock.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			sugar.Fatalw("redis connection error", "addr", cfg.RedisAddr, "error", err.Error())
		}
		locker = lock.NewRedisLocker(rdb)
	} else {
		sugar.Warn("REDIS_ADDR is empty, wallet locks are local to this process")
		locker = lock.NewMemoryLocker()
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Named("kafka"))
		defer kp.Close()
		publisher = kp
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []service.Option{
		service.WithLocker(locker),
		service.WithPublisher(publisher),
		service.WithMetrics(m),
		service.WithLogger(logger.Named("service")),
		service.WithCurrency(cfg.Currency),
		service.WithReconcileConfig(service.ReconcileConfig{
			Grace:           cfg.ReconcileGrace,
			MaxAge:          cfg.ReconcileMaxAge,
			MaxAttempts:     cfg.ReconcileMaxAttempts,
			Batch:           cfg.ReconcileBatch,
			Parallelism:     cfg.ReconcileParallelism,
			ProviderTimeout: cfg.ProviderTimeout,
			LockTTL:         cfg.LockTTL,
		}),
	}
	for name, addr := range cfg.Providers {
		opts = append(opts, service.WithProvider(provider.NewClient(name, addr, cfg.ProviderTimeout)))
	}

	svc := service.NewService(repo, opts...)
	defer svc.Close()

	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is empty, tokens issued by other services will be rejected")
	}
	authMiddleware := middleware.NewAuthMiddleware(auth.NewJWTVerifier(cfg.JWTSecret))
	walletLock := middleware.NewWalletLock(locker, cfg.LockTTL, logger.Named("lock"), m)

	h := handler.NewHandler(svc, logger, authMiddleware, walletLock,
		handler.WithWebhookSecret(cfg.WebhookSecret),
		handler.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка ожидающих транзакций с провайдерами
	g.Go(func() error {
		sugar.Infow("starting reconciliation", "interval", cfg.ReconcileInterval.String(), "providers", len(cfg.Providers))
		return svc.StartReconciliation(ctx, cfg.ReconcileInterval)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting paywallet server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

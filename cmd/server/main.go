package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"depotflow/backend/internal/cache"
	"depotflow/backend/internal/config"
	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/events"
	"depotflow/backend/internal/httpapi"
	"depotflow/backend/internal/ledger"
	"depotflow/backend/internal/observability"
	"depotflow/backend/internal/report"
	"depotflow/backend/internal/service"
	"depotflow/backend/internal/store"
	"depotflow/backend/internal/store/memory"
	pgstore "depotflow/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.AppEnv)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:   cfg.OTelEndpoint,
		AuthHeader: cfg.OTelAuthHeader,
		Insecure:   !cfg.IsProduction(),
	})
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("postgres migration failed", zap.Error(err))
		}
		if err := pg.EnsureWarehouse(ctx, cfg.DefaultWarehouseID, "Main Warehouse"); err != nil {
			logger.Fatal("default warehouse", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(logger)
		logger.Info("repository: in-memory", zap.String("warehouse", memory.SeedWarehouseID))
	}

	reportCache := cache.ReportCache(cache.NoopReportCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, reports are not cached", zap.Error(err))
		} else {
			reportCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: noop")
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if cfg.KafkaBroker != "" {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBroker, cfg.KafkaTopic, logger)
		publisher = kafkaPublisher
		closers = append(closers, kafkaPublisher.Close)
		logger.Info("events: kafka", zap.String("broker", cfg.KafkaBroker), zap.String("topic", cfg.KafkaTopic))
	} else {
		logger.Info("events: noop")
	}

	inventory := ledger.New(cfg.DefaultReorderLevel, logger.Named("ledger"))
	svc := service.New(repo, inventory, publisher, reportCache, logger.Named("service"))
	reports := report.NewAggregator(repo, reportCache, time.Duration(cfg.ReportCacheTTLSeconds)*time.Second, logger.Named("report"))
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, logger.Named("auth"))
	if err := auth.EnsureUser(ctx, cfg.BootstrapOwnerUsername, cfg.BootstrapOwnerPassword, domain.RoleOwner, ""); err != nil {
		logger.Fatal("bootstrap owner account", zap.Error(err))
	}
	api := httpapi.New(svc, reports, auth, httpapi.Options{
		AllowedOrigin:      cfg.AllowedOrigin,
		DefaultWarehouseID: cfg.DefaultWarehouseID,
		Logger:             logger.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("depotflow backend listening", zap.String("addr", cfg.Address()), zap.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.BootstrapOwnerPassword != "" && len(cfg.BootstrapOwnerPassword) < 8 {
		return fmt.Errorf("BOOTSTRAP_OWNER_PASSWORD must be at least 8 characters")
	}
	if cfg.IsProduction() && (cfg.AllowedOrigin == "" || cfg.AllowedOrigin == "*") {
		return fmt.Errorf("ALLOWED_ORIGIN must name a concrete origin in production")
	}
	return nil
}

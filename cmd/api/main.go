package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/radiant-tcg/cardtrust/internal/activation"
	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/api/middleware"
	"github.com/radiant-tcg/cardtrust/internal/api/rest"
	"github.com/radiant-tcg/cardtrust/internal/api/server"
	"github.com/radiant-tcg/cardtrust/internal/authengine"
	"github.com/radiant-tcg/cardtrust/internal/config"
	"github.com/radiant-tcg/cardtrust/internal/keyvault"
	"github.com/radiant-tcg/cardtrust/internal/logger"
	"github.com/radiant-tcg/cardtrust/internal/messaging"
	"github.com/radiant-tcg/cardtrust/internal/policy"
	"github.com/radiant-tcg/cardtrust/internal/providers/jetstream"
	"github.com/radiant-tcg/cardtrust/internal/ratelimit"
	"github.com/radiant-tcg/cardtrust/internal/registry"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/telemetry"
	"github.com/radiant-tcg/cardtrust/internal/transfer"
	"github.com/radiant-tcg/cardtrust/internal/webhook"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadAPIConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "api-server",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting CardTrust API")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err))
	}

	// Configure connection pool
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)

	if err := store.AutoMigrate(db); err != nil {
		logger.FatalCtx(ctx, "Failed to migrate database schema", zap.Error(err))
	}

	dataStore := store.NewPGStore(db)
	clock := adapter.NewClock()

	// The root secret stays inside the key derivation module; everything else
	// only ever sees opaque key references.
	rootSecret, err := keyvault.RootSecretFromHex(cfg.Keys.RootSecretHex)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to parse root secret", zap.Error(err))
	}
	deriver, err := keyvault.NewDeriver(rootSecret)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create key deriver", zap.Error(err))
	}

	// Load suspension policy
	suspensionPolicy := policy.Default()
	if cfg.PolicyPath != "" {
		suspensionPolicy, err = policy.Load(cfg.PolicyPath)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to load suspension policy",
				zap.Error(err),
				zap.String("path", cfg.PolicyPath))
		}
		logger.InfoCtx(ctx, "Loaded suspension policy", zap.String("path", cfg.PolicyPath))
	}

	// Connect to NATS JetStream for security alert fan-out. An unset URL
	// disables publishing; events still land in the database log.
	var publisher messaging.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = jetstream.NewPublisher(ctx, jetstream.Config{
			URL:            cfg.NATS.URL,
			StreamName:     cfg.NATS.StreamName,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectionName: cfg.NATS.ConnectionName,
		}, adapter.NewNatsJetStream(), adapter.NewJSON())
		if err != nil {
			logger.FatalCtx(ctx, "Failed to connect to NATS", zap.Error(err))
		}
		defer publisher.Close()
		logger.InfoCtx(ctx, "Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		logger.WarnCtx(ctx, "NATS URL not configured, security alerts will not be published")
	}

	deliverer := webhook.NewDeliverer(cfg.Webhook.Endpoint, cfg.Webhook.Secret)

	// Wire up services
	recorder := telemetry.NewRecorder(dataStore, publisher, deliverer, clock)
	registryService := registry.NewService(dataStore, recorder)
	activationService := activation.NewService(dataStore, registryService, recorder, clock, cfg.Activation.CodeTTL)
	challenges := authengine.NewChallengeStore(clock, 0)
	engine := authengine.NewEngine(dataStore, registryService, deriver, challenges, recorder, suspensionPolicy, clock)
	tradeService := transfer.NewService(dataStore, registryService, recorder, clock, cfg.Trade.OfferTTL)

	handler := rest.NewHandler(registryService, activationService, engine, tradeService, dataStore, deriver)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, clock)

	// Create and start server
	srv := server.New(server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}, handler, middleware.AuthConfig{
		JWTPublicKey: cfg.Auth.JWTPublicKey,
		APIKeys:      cfg.Auth.APIKeys,
	}, limiter)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
		cancel()
	}

	// Create shutdown context with timeout (don't use canceled ctx)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	logger.InfoCtx(shutdownCtx, "Shutting down server...")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.FatalCtx(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	// Use non-context logger for final message since original ctx is canceled
	logger.Info("API server stopped")
}

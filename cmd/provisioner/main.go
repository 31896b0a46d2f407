package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/config"
	"github.com/radiant-tcg/cardtrust/internal/keyvault"
	"github.com/radiant-tcg/cardtrust/internal/logger"
	"github.com/radiant-tcg/cardtrust/internal/provisioning"
	"github.com/radiant-tcg/cardtrust/internal/registry"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/telemetry"
)

var (
	configFile   = flag.String("config", "", "Path to configuration file")
	envPath      = flag.String("env", "config/", "Path to environment files")
	manifestPath = flag.String("manifest", "", "Path to the manufacturing manifest JSON file")
)

func main() {
	flag.Parse()

	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "usage: provisioner -manifest <manifest.json>")
		os.Exit(2)
	}

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadProvisionerConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx := context.Background()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "provisioner",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)

	// The manifest is validated before touching the database, so a malformed
	// file fails fast
	manifest, err := provisioning.LoadManifest(*manifestPath)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to load manifest",
			zap.Error(err),
			zap.String("path", *manifestPath))
	}
	logger.InfoCtx(ctx, "Loaded manifest",
		zap.String("batch_code", manifest.BatchCode),
		zap.String("sku", manifest.SKU.String()),
		zap.Int("entries", len(manifest.Entries)))

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err))
	}
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
	}
	if err := store.AutoMigrate(db); err != nil {
		logger.FatalCtx(ctx, "Failed to migrate database schema", zap.Error(err))
	}

	dataStore := store.NewPGStore(db)
	clock := adapter.NewClock()

	rootSecret, err := keyvault.RootSecretFromHex(cfg.Keys.RootSecretHex)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to parse root secret", zap.Error(err))
	}
	deriver, err := keyvault.NewDeriver(rootSecret)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create key deriver", zap.Error(err))
	}

	// The provisioning line runs offline: events land in the database log but
	// are not fanned out to NATS or webhooks.
	recorder := telemetry.NewRecorder(dataStore, nil, nil, clock)
	registryService := registry.NewService(dataStore, recorder)
	provisioner := provisioning.NewService(dataStore, registryService, registry.StaticCatalog(nil), deriver, cfg.Worker.PoolSize)

	start := clock.Now()
	result, err := provisioner.ProvisionBatch(ctx, manifest)
	if err != nil {
		logger.FatalCtx(ctx, "Provisioning run failed", zap.Error(err))
	}

	logger.InfoCtx(ctx, "Provisioning run finished",
		zap.Uint64("batch_id", result.BatchID),
		zap.Int("registered", result.Registered),
		zap.Int("duplicates", len(result.Duplicates)),
		zap.Int("failures", len(result.Failures)),
		zap.Duration("elapsed", clock.Since(start)))

	for _, uid := range result.Duplicates {
		logger.WarnCtx(ctx, "Skipped already-registered chip", zap.String("uid", uid))
	}
	for _, failure := range result.Failures {
		logger.ErrorCtx(ctx, failure.Err, zap.String("uid", failure.UID))
	}

	if len(result.Failures) > 0 {
		logger.Flush(2 * time.Second)
		os.Exit(1)
	}
}

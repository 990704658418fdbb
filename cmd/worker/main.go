package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/waveframe-studio/waveframe-backend/internal/access"
	"github.com/waveframe-studio/waveframe-backend/internal/migration"
	internalorders "github.com/waveframe-studio/waveframe-backend/internal/orders"
	"github.com/waveframe-studio/waveframe-backend/internal/sessions"
	"github.com/waveframe-studio/waveframe-backend/pkg/config"
	"github.com/waveframe-studio/waveframe-backend/pkg/db"
	"github.com/waveframe-studio/waveframe-backend/pkg/instance"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
	"github.com/waveframe-studio/waveframe-backend/pkg/metrics"
	"github.com/waveframe-studio/waveframe-backend/pkg/migrate"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox"
	"github.com/waveframe-studio/waveframe-backend/pkg/pubsub"
	"github.com/waveframe-studio/waveframe-backend/pkg/redis"
	"github.com/waveframe-studio/waveframe-backend/pkg/storage/gcs"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gcsClient, err := gcs.NewClient(context.Background(), cfg.GCS, cfg.GCP, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap gcs", err)
		os.Exit(1)
	}
	defer gcsClient.Close()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	accessService, err := access.NewService(gcsClient, cfg.Access)
	if err != nil {
		logg.Error(context.Background(), "failed to create access service", err)
		os.Exit(1)
	}

	orderLock, err := migration.NewOrderLock(redisClient, cfg.Migration.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create order lock", err)
		os.Exit(1)
	}

	engine, err := migration.NewEngine(migration.EngineParams{
		Orders:            internalorders.NewRepository(dbClient.DB()),
		Sessions:          sessions.NewRepository(dbClient.DB()),
		Storage:           gcsClient,
		Lock:              orderLock,
		Outbox:            outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		TransactionRunner: dbClient,
		QRTargets:         accessService,
		Metrics:           metrics.NewMigrationMetrics(prometheus.DefaultRegisterer),
		Config:            cfg.Migration,
		Logger:            logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create migration engine", err)
		os.Exit(1)
	}

	consumer, err := migration.NewConsumer(pubsubClient.FulfillmentSubscription(), engine, cfg.Migration, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create migration consumer", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting fulfillment worker")

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "fulfillment worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "fulfillment worker shutting down gracefully")
}

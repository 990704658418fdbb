package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/waveframe-studio/waveframe-backend/api/controllers"
	"github.com/waveframe-studio/waveframe-backend/api/routes"
	"github.com/waveframe-studio/waveframe-backend/internal/access"
	"github.com/waveframe-studio/waveframe-backend/internal/migration"
	internalorders "github.com/waveframe-studio/waveframe-backend/internal/orders"
	"github.com/waveframe-studio/waveframe-backend/internal/sessions"
	paymentwebhook "github.com/waveframe-studio/waveframe-backend/internal/webhooks/payment"
	"github.com/waveframe-studio/waveframe-backend/pkg/config"
	"github.com/waveframe-studio/waveframe-backend/pkg/db"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
	"github.com/waveframe-studio/waveframe-backend/pkg/migrate"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox/idempotency"
	"github.com/waveframe-studio/waveframe-backend/pkg/pubsub"
	"github.com/waveframe-studio/waveframe-backend/pkg/redis"
	"github.com/waveframe-studio/waveframe-backend/pkg/storage/gcs"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	enqueuer, err := migration.NewEnqueuer(pubsubClient.FulfillmentPublisher())
	if err != nil {
		logg.Error(context.Background(), "failed to create migration enqueuer", err)
		os.Exit(1)
	}

	ordersRepo := internalorders.NewRepository(dbClient.DB())
	sessionsRepo := sessions.NewRepository(dbClient.DB())

	ordersService, err := internalorders.NewService(internalorders.ServiceParams{
		Repo:              ordersRepo,
		SessionRepo:       sessionsRepo,
		Outbox:            outboxService,
		Enqueuer:          enqueuer,
		TransactionRunner: dbClient,
		Logger:            logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	accessService, err := access.NewService(gcsClient, cfg.Access)
	if err != nil {
		logg.Error(context.Background(), "failed to create access service", err)
		os.Exit(1)
	}

	webhookService, err := paymentwebhook.NewService(paymentwebhook.ServiceParams{
		Orders: ordersService,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment webhook service", err)
		os.Exit(1)
	}

	guardManager, err := idempotency.NewManager(redisClient, cfg.Payment.EventGuardTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency manager", err)
		os.Exit(1)
	}

	router := routes.NewRouter(routes.Deps{
		Config: cfg,
		Logger: logg,
		Readiness: controllers.ReadinessDeps{
			DB:     dbClient,
			Redis:  redisClient,
			GCS:    gcsClient,
			PubSub: pubsubClient,
		},
		Orders:       ordersService,
		OrdersRepo:   ordersRepo,
		Sessions:     sessionsRepo,
		Access:       accessService,
		Webhook:      webhookService,
		WebhookGuard: paymentwebhook.NewEventGuard(guardManager),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

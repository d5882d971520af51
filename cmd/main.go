/**
 * @description
 * This is the main entry point for the fundraising service. It loads configuration,
 * opens the configured contribution store, connects the optional infrastructure
 * (Redis, RabbitMQ, Cloudinary), wires the Daraja payment gateway into the application
 * service and starts the HTTP server.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5, go.mongodb.org/mongo-driver: Store drivers.
 * - github.com/redis/go-redis/v9: Contribution rate limiting.
 * - go.uber.org/zap: Structured logging.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/mshikaki/fundraising-service/internal/api"
	"github.com/mshikaki/fundraising-service/internal/app"
	"github.com/mshikaki/fundraising-service/internal/config"
	"github.com/mshikaki/fundraising-service/internal/store"
	"github.com/mshikaki/fundraising-service/pkg/logger"
	"github.com/mshikaki/fundraising-service/pkg/media"
	"github.com/mshikaki/fundraising-service/pkg/mpesa"
	"github.com/mshikaki/fundraising-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("cannot build logger: %v", err)
	}
	defer zlog.Sync()
	bootLog := zlog.With(zap.String("component", "bootstrap"))
	for _, warning := range cfg.Warnings {
		bootLog.Warn(warning)
	}
	bootLog.Info("starting fundraising-service", zap.String("port", cfg.ServerPort), zap.String("store", cfg.StoreDriver))

	repository, closeStore, err := openStore(cfg, bootLog)
	if err != nil {
		bootLog.Fatal("store initialization failed", zap.Error(err))
	}
	defer closeStore()

	var producer rabbitmq.Publisher
	var consumer *rabbitmq.Consumer
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		bootLog.Warn("RABBITMQ_URL not set; ledger events will not be published")
	} else {
		eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, zlog)
		if err != nil {
			bootLog.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		} else {
			defer eventProducer.Close()
			producer = eventProducer
			bootLog.Info("rabbitmq producer connected")
		}

		consumer, err = rabbitmq.NewConsumer(cfg.RabbitMQURL, zlog)
		if err != nil {
			bootLog.Warn("rabbitmq consumer unavailable; progress updates stay local to this instance", zap.Error(err))
			consumer = nil
		} else {
			defer consumer.Close()
		}
	}

	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:         cfg.MpesaBaseURL,
		ConsumerKey:     cfg.MpesaConsumerKey,
		ConsumerSecret:  cfg.MpesaConsumerSecret,
		ShortCode:       cfg.MpesaShortCode,
		PassKey:         cfg.MpesaPassKey,
		TransactionType: cfg.MpesaTransactionType,
		CallbackURL:     cfg.MpesaCallbackURL,
		CallbackSecret:  cfg.MpesaCallbackSecret,
		Timeout:         time.Duration(cfg.MpesaTimeoutSeconds) * time.Second,
	}, zlog)

	broker := app.NewProgressBroker()
	service := app.NewService(repository, gateway, producer, broker, zlog, app.Options{
		Currency:        cfg.Currency,
		AmountTolerance: cfg.SettlementAmountTolerance,
		LedgerExchange:  cfg.LedgerEventExchange,
	})

	if redisClient := connectRedis(cfg, bootLog); redisClient != nil {
		defer redisClient.Close()
		service.SetContributionRateLimiter(
			app.NewRedisContributionRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.ContributionRateLimitPerMinute,
		)
	}

	if cfg.CloudinaryCloudName != "" {
		mediaStore, err := media.NewCloudinaryStore(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		if err != nil {
			bootLog.Warn("cloudinary unavailable; media uploads disabled", zap.Error(err))
		} else {
			service.SetMediaStore(mediaStore)
		}
	} else {
		bootLog.Info("CLOUDINARY_CLOUD_NAME not set; media uploads disabled")
	}

	// Progress updates from other instances reach this instance's subscribers.
	if consumer != nil {
		bindings := map[string]func([]byte) bool{
			app.RoutingKeyProgressUpdated: app.ProgressRelayHandler(broker, zlog),
		}
		if err := consumer.ConsumeWithBindings(cfg.LedgerEventExchange, "", bindings); err != nil {
			bootLog.Warn("progress relay not started", zap.Error(err))
		}
	}

	var scheduler *app.Scheduler
	if cfg.ReconcileSchedule != "" {
		reconciler := app.NewReconciler(service, time.Duration(cfg.ReconcilePendingAfterMinutes)*time.Minute, cfg.ReconcileBatchLimit, zlog)
		scheduler = app.NewScheduler(reconciler, cfg.ReconcileSchedule, zlog)
		if err := scheduler.Start(); err != nil {
			bootLog.Fatal("reconciliation scheduler failed to start", zap.Error(err), zap.String("schedule", cfg.ReconcileSchedule))
		}
	}

	handler := api.NewHandler(service, zlog)
	callback := api.NewMpesaCallbackHandler(service, cfg.MpesaCallbackSecret, zlog)
	router := api.NewRouter(handler, callback, api.NewJWKSKeySet(cfg.AuthJWKSURL), cfg.AllowedOrigins())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("server listening", zap.String("component", "http"), zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	zlog.Info("shutdown started", zap.String("component", "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
		}
	}
	if err := server.Shutdown(ctx); err != nil {
		zlog.Error("shutdown failed", zap.String("component", "http"), zap.Error(err))
	}

	zlog.Info("shutdown complete", zap.String("component", "http"))
}

// openStore connects the repository selected by STORE_DRIVER and returns a function
// that releases it.
func openStore(cfg config.Config, bootLog *zap.Logger) (store.Repository, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		bootLog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryRepository(), func() {}, nil

	case config.StoreDriverMongo:
		if strings.TrimSpace(cfg.MongoURI) == "" {
			return nil, nil, errors.New("MONGO_URI must be configured for the mongo store")
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("mongo ping: %w", err)
		}
		repository := store.NewMongoRepository(client.Database(cfg.MongoDatabase))
		if err := repository.EnsureIndexes(ctx); err != nil {
			client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("mongo indexes: %w", err)
		}
		bootLog.Info("mongo connected", zap.String("database", cfg.MongoDatabase))
		return repository, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(shutdownCtx)
		}, nil

	default:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database url parse: %w", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		// Disable prepared statement caching to prevent conflicts behind poolers.
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		repository := store.NewPostgresRepository(dbpool)
		if err := repository.EnsureSchema(ctx); err != nil {
			dbpool.Close()
			return nil, nil, fmt.Errorf("database schema: %w", err)
		}
		bootLog.Info("database connected")
		return repository, dbpool.Close, nil
	}
}

// connectRedis returns a connected client, or nil when rate limiting is disabled or
// Redis cannot be reached.
func connectRedis(cfg config.Config, bootLog *zap.Logger) *redis.Client {
	if cfg.ContributionRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		bootLog.Warn("redis url missing; contribution rate limiting disabled", zap.String("env", "REDIS_URL"))
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		bootLog.Warn("redis url parse failed; contribution rate limiting disabled", zap.Error(err))
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		bootLog.Warn("redis ping failed; contribution rate limiting disabled", zap.Error(err))
		client.Close()
		return nil
	}
	bootLog.Info("redis connected")
	return client
}

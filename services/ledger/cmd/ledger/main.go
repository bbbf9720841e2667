package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/health"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/httpmiddleware"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/idempotency"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/kafka"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/logging"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/metrics"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/trace"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/config"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/consumer"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/fee"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/service"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/storage"
)

// ledgerStore is what the service, the fee resolver and readiness need from storage.
type ledgerStore interface {
	service.Store
	fee.RuleStore
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(context.Background(), cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	ledgerMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "storage", cfg.Ledger.Storage, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	ready.AddCheck("storage", store.Ping)

	ruleCache := fee.NewRuleCache()
	if err := ruleCache.Load(ctx, store); err != nil {
		logger.Warn("fee rule cache warmup failed", "error", err)
	}
	ledgerMetrics.SetCacheSize(ruleCache.Size())
	ruleCache.StartAutoRefresh(ctx, store, cfg.Ledger.FeeRefresh, ledgerMetrics, logger)
	resolver := fee.NewResolver(store, ruleCache, logger)

	bus := service.NewChannelBus(cfg.Ledger.EventBuffer, logger)
	defer bus.Close()
	emitters := service.MultiEmitter{bus}

	var producer *kafka.SyncProducer
	if cfg.Kafka.Enabled {
		producerMetrics := kafka.NewProducerMetrics(registry)
		producer, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, producerMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		publisher := kafka.Publisher(producer)
		if cfg.Kafka.Topics.DeadLetter != "" {
			publisher = kafka.NewDeadLetterPublisher(producer, cfg.Kafka.Topics.DeadLetter, logger, producerMetrics)
		}
		emitters = append(emitters, service.NewKafkaEmitter(publisher, eventTopics(cfg.Kafka.Topics)))
	}

	ledgerCfg := ledger.Config{MaxDigits: cfg.Ledger.MaxDigits, DecimalPlaces: cfg.Ledger.DecimalPlaces}
	ledgerService := service.NewLedgerService(store, resolver, emitters, ledgerCfg, logger, ledgerMetrics)

	guard, closeGuard, err := openGuard(ctx, cfg, ready, logger)
	if err != nil {
		logger.Error("idempotency guard init failed", "error", err)
		os.Exit(1)
	}
	defer closeGuard()

	var consumerGroup *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumerGroup, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter).WithRetry(cfg.Kafka.MaxAttempts, cfg.Ledger.RetryBackoff)
		defer consumerGroup.Close()
	}

	confirmations := consumer.NewConfirmationConsumer(ledgerService, guard, logger, consumer.Options{
		MaxRetries:  cfg.Ledger.TransitionRetry,
		BaseBackoff: cfg.Ledger.RetryBackoff,
	})

	httpServer := buildHTTPServer(cfg, ready, registry, logger)
	ready.SetReady(true)

	go func() {
		logger.Info("ledger http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	if consumerGroup != nil {
		go func() {
			logger.Info("ledger consumer starting", "topic", cfg.Kafka.Topics.Confirmations)
			if err := consumerGroup.Consume(ctx, []string{cfg.Kafka.Topics.Confirmations}, confirmations); err != nil && ctx.Err() == nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	waitForShutdown(httpServer, ready, cancel, logger)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledgerStore, func(), error) {
	if cfg.Ledger.Storage == config.StorageMemory {
		logger.Warn("using in-memory ledger storage, data is lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := connectDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return storage.New(pool, logger, cfg.Ledger.LockTimeout), pool.Close, nil
}

func openGuard(ctx context.Context, cfg *config.Config, ready *health.Manager, logger *slog.Logger) (idempotency.Guard, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("redis not configured, confirmations are deduplicated in memory only")
		return idempotency.NewMemoryGuard(cfg.Redis.PendingTTL, cfg.Redis.DoneTTL), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	ready.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return idempotency.NewRedisGuard(client, "", cfg.Redis.PendingTTL, cfg.Redis.DoneTTL), func() { _ = client.Close() }, nil
}

func eventTopics(topics config.KafkaTopics) map[service.EventType]string {
	return map[service.EventType]string{
		service.EventOperationHeld:      topics.OperationHeld,
		service.EventOperationCommitted: topics.OperationCommitted,
		service.EventOperationCancelled: topics.OperationCancelled,
		service.EventOperationDeleted:   topics.OperationDeleted,
	}
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, metrics.NewHTTP(registry)))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	return &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

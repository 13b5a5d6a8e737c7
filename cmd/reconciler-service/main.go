package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/config"
	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/cuongbtq/hpc-dispatcher/internal/hpc"
	"github.com/cuongbtq/hpc-dispatcher/internal/reconciler"
	"github.com/cuongbtq/hpc-dispatcher/internal/storage"
	"github.com/cuongbtq/hpc-dispatcher/shared/logger"
	"github.com/cuongbtq/hpc-dispatcher/shared/postgresql"
	"github.com/cuongbtq/hpc-dispatcher/shared/rabbitmq"
	"github.com/cuongbtq/hpc-dispatcher/shared/redis"
	"github.com/cuongbtq/hpc-dispatcher/shared/resilience"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("RECONCILER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/reconciler-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateReconcilerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting reconciler service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("cache_backend", cfg.Cache.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := resilience.Policy{
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(ctx, &cfg.Database, policy, appLogger.Component("postgresql"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	hpcClient, err := initHPC(&cfg.HPC, appLogger.Component("hpc"))
	if err != nil {
		return fmt.Errorf("failed to initialize hpc client: %w", err)
	}

	cache, closeCache, err := initCache(ctx, &cfg.Cache, appLogger.Component("redis"))
	if err != nil {
		return fmt.Errorf("failed to initialize monitor cache: %w", err)
	}
	defer closeCache()

	loop := reconciler.New(&reconciler.Config{
		Logger:       appLogger.Component("reconciler"),
		Store:        storage.NewStorage(dbClient.GetDB(), appLogger.Component("storage")),
		Querier:      hpcClient,
		Publisher:    rabbitClient,
		Monitor:      rabbitClient,
		Cache:        cache,
		WorkQueue:    cfg.RabbitMQ.WorkQueue.Name,
		MonitorQueue: cfg.RabbitMQ.MonitorQueue.Name,
		Interval:     cfg.Reconciler.Interval,
		BatchSize:    cfg.Reconciler.BatchSize,
		MaxAttempts:  cfg.Reconciler.MaxAttempts,
		Retry:        policy,
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- loop.Start(ctx)
	}()

	appLogger.Info("Reconciler service started successfully",
		slog.Duration("interval", cfg.Reconciler.Interval),
	)

	select {
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Reconciler error",
				slog.Any("error", err),
			)
			return err
		}
	}

	shutdownTimeout := cfg.Reconciler.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Reconciler stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Reconciler shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Reconciler service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      "reconciler-service",
	})
}

// initPostgreSQL connects to PostgreSQL and applies migrations when enabled
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, policy resilience.Policy, logger *slog.Logger) (*postgresql.Client, error) {
	client, err := postgresql.Connect(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, policy, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := client.Migrate(ctx, storage.Migrations()); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// initRabbitMQ declares the work and monitor queues on a new client
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Queues: []rabbitmq.QueueConfig{
			queueConfig(cfg.WorkQueue),
			queueConfig(cfg.MonitorQueue),
		},
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		MaxRetryInterval:  cfg.Connection.MaxRetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
		PublishMaxDelay:   cfg.Publish.MaxRetryInterval,
	}, logger)
}

func queueConfig(q config.QueueConfig) rabbitmq.QueueConfig {
	return rabbitmq.QueueConfig{
		Name:       q.Name,
		Durable:    q.Durable,
		AutoDelete: q.AutoDelete,
		Exclusive:  q.Exclusive,
	}
}

// initHPC builds the gateway client with per-site status aliases
func initHPC(cfg *config.HPCConfig, logger *slog.Logger) (*hpc.Client, error) {
	return hpc.NewClient(&hpc.Config{
		BaseURL:              cfg.BaseURL,
		Username:             cfg.Username,
		Password:             cfg.Password,
		SessionTTL:           cfg.SessionTTL,
		RequestTimeout:       cfg.RequestTimeout,
		AccountingAttempts:   cfg.AccountingAttempts,
		AccountingRetryDelay: cfg.AccountingRetryDelay,
		StatusAliases:        statusAliases(cfg.Sites),
	}, logger)
}

func statusAliases(sites []config.SiteConfig) map[string]map[string]domain.JobStatus {
	aliases := make(map[string]map[string]domain.JobStatus, len(sites))
	for _, site := range sites {
		if len(site.StatusAliases) == 0 {
			continue
		}
		codes := make(map[string]domain.JobStatus, len(site.StatusAliases))
		for code, status := range site.StatusAliases {
			codes[code] = domain.JobStatus(status)
		}
		aliases[site.Name] = codes
	}
	return aliases
}

// initCache selects the monitor message cache. The redis backend survives reconciler restarts.
func initCache(ctx context.Context, cfg *config.CacheConfig, logger *slog.Logger) (reconciler.MessageCache, func(), error) {
	if cfg.Backend != config.CacheBackendRedis {
		return reconciler.NewMemoryCache(), func() {}, nil
	}

	client, err := redis.NewClient(ctx, &redis.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	return reconciler.NewRedisCache(client, cfg.Redis.Key), func() { client.Close() }, nil
}

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
	"github.com/cuongbtq/hpc-dispatcher/internal/dependency"
	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/cuongbtq/hpc-dispatcher/internal/hpc"
	"github.com/cuongbtq/hpc-dispatcher/internal/script"
	"github.com/cuongbtq/hpc-dispatcher/internal/storage"
	"github.com/cuongbtq/hpc-dispatcher/internal/submitter"
	"github.com/cuongbtq/hpc-dispatcher/shared/logger"
	"github.com/cuongbtq/hpc-dispatcher/shared/postgresql"
	"github.com/cuongbtq/hpc-dispatcher/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("SUBMITTER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/submitter-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateSubmitterConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting submitter service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Any("sites", cfg.HPC.SiteNames()),
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

	templates, err := script.LoadTemplates(cfg.Submitter.TemplateDir)
	if err != nil {
		return fmt.Errorf("failed to load job script templates: %w", err)
	}

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Component("storage"))

	handler := submitter.NewHandler(&submitter.HandlerConfig{
		Logger:               appLogger.Component("submitter"),
		Store:                store,
		Scheduler:            hpcClient,
		Resolver:             dependency.NewResolver(store),
		Renderer:             templates,
		Publisher:            rabbitClient,
		Sites:                cfg.HPC.SiteNames(),
		ScriptDir:            cfg.Submitter.ScriptDir,
		WorkQueue:            cfg.RabbitMQ.WorkQueue.Name,
		MonitorQueue:         cfg.RabbitMQ.MonitorQueue.Name,
		DependencyRetryDelay: cfg.Submitter.DependencyRetryDelay,
		Retry:                policy,
	})

	service := submitter.NewService(&submitter.Config{
		Logger:        appLogger.Component("consumer"),
		Broker:        rabbitClient,
		Handler:       handler,
		Queue:         cfg.RabbitMQ.WorkQueue.Name,
		ConsumerTag:   cfg.RabbitMQ.Consumer.Tag,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- service.Start(ctx)
	}()

	appLogger.Info("Submitter service started successfully",
		slog.String("queue", cfg.RabbitMQ.WorkQueue.Name),
	)

	select {
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Submitter error",
				slog.Any("error", err),
			)
			return err
		}
	}

	shutdownTimeout := cfg.Submitter.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop waits for the in-flight delivery to be settled
	done := make(chan struct{})
	go func() {
		service.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Submitter stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Submitter shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Submitter service shutdown complete")
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
		Service:      "submitter-service",
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

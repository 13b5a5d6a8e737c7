package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// to help with testing
var envProcess = envconfig.Process

// Config represents the complete application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	Retry      RetryConfig      `yaml:"retry"`
	HPC        HPCConfig        `yaml:"hpc"`
	Submitter  SubmitterConfig  `yaml:"submitter"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Cache      CacheConfig      `yaml:"cache"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD,overwrite"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and queue configuration
type RabbitMQConfig struct {
	Host         string           `yaml:"host"`
	Port         int              `yaml:"port"`
	User         string           `yaml:"user"`
	Password     string           `yaml:"password" env:"RABBITMQ_PASSWORD,overwrite"`
	VHost        string           `yaml:"vhost"`
	Exchange     ExchangeConfig   `yaml:"exchange"`
	WorkQueue    QueueConfig      `yaml:"work_queue"`
	MonitorQueue QueueConfig      `yaml:"monitor_queue"`
	Connection   ConnectionConfig `yaml:"connection"`
	Publish      PublishConfig    `yaml:"publish"`
	Consumer     ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration. An empty name selects the default exchange.
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// RetryConfig holds the backoff used for database and broker connectivity errors
type RetryConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// HPCConfig holds the remote scheduler gateway settings
type HPCConfig struct {
	BaseURL              string        `yaml:"base_url"`
	Username             string        `yaml:"username" env:"HPC_USERNAME,overwrite"`
	Password             string        `yaml:"password" env:"HPC_PASSWORD,overwrite"`
	SessionTTL           time.Duration `yaml:"session_ttl"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	AccountingAttempts   int           `yaml:"accounting_attempts"`
	AccountingRetryDelay time.Duration `yaml:"accounting_retry_delay"`
	Sites                []SiteConfig  `yaml:"sites"` // priority order
}

// SiteConfig describes one execution site
type SiteConfig struct {
	Name          string            `yaml:"name"`
	StatusAliases map[string]string `yaml:"status_aliases"`
}

// SiteNames returns the configured site names in priority order
func (c *HPCConfig) SiteNames() []string {
	names := make([]string, 0, len(c.Sites))
	for _, s := range c.Sites {
		names = append(names, s.Name)
	}
	return names
}

// SubmitterConfig holds submitter service configuration
type SubmitterConfig struct {
	ScriptDir            string        `yaml:"script_dir"`
	TemplateDir          string        `yaml:"template_dir"` // empty uses the built-in templates
	DependencyRetryDelay time.Duration `yaml:"dependency_retry_delay"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// ReconcilerConfig holds reconciler service configuration
type ReconcilerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxAttempts     int           `yaml:"max_attempts"` // 0 resubmits without limit
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig selects the monitor message cache backend
type CacheConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password" env:"REDIS_PASSWORD,overwrite"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Key         string        `yaml:"key"`
}

// Load reads and parses the configuration file, then overlays secrets from the environment
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envProcess(context.Background(), &config); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	config.setDefaults()
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = 30 * time.Second
	}
	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 1
	}
	if c.HPC.RequestTimeout <= 0 {
		c.HPC.RequestTimeout = 30 * time.Second
	}
	if c.HPC.AccountingAttempts <= 0 {
		c.HPC.AccountingAttempts = 10
	}
	if c.HPC.AccountingRetryDelay <= 0 {
		c.HPC.AccountingRetryDelay = time.Second
	}
	if c.Reconciler.Interval <= 0 {
		c.Reconciler.Interval = 10 * time.Second
	}
	if c.Reconciler.BatchSize <= 0 {
		c.Reconciler.BatchSize = 1000
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendMemory
	}
	if c.Cache.Redis.Key == "" {
		c.Cache.Redis.Key = "dispatcher:monitor"
	}
}

// Validate checks the settings every service needs
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.WorkQueue.Name == "" {
		return fmt.Errorf("rabbitmq work queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the configuration of the api service
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return nil
}

// ValidateSubmitterConfig checks the configuration of the submitter service
func (c *Config) ValidateSubmitterConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.validateHPC(); err != nil {
		return err
	}

	if c.RabbitMQ.MonitorQueue.Name == "" {
		return fmt.Errorf("rabbitmq monitor queue name is required")
	}

	if c.Submitter.ScriptDir == "" {
		return fmt.Errorf("submitter script_dir is required")
	}

	if c.Submitter.DependencyRetryDelay < 0 {
		return fmt.Errorf("submitter dependency_retry_delay must not be negative")
	}

	return nil
}

// ValidateReconcilerConfig checks the configuration of the reconciler service
func (c *Config) ValidateReconcilerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.validateHPC(); err != nil {
		return err
	}

	if c.RabbitMQ.MonitorQueue.Name == "" {
		return fmt.Errorf("rabbitmq monitor queue name is required")
	}

	if c.Reconciler.MaxAttempts < 0 {
		return fmt.Errorf("reconciler max_attempts must not be negative")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache redis addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Cache.Backend)
	}

	return nil
}

func (c *Config) validateHPC() error {
	if c.HPC.BaseURL == "" {
		return fmt.Errorf("hpc base_url is required")
	}

	if len(c.HPC.Sites) == 0 {
		return fmt.Errorf("at least one hpc site is required")
	}

	for i, site := range c.HPC.Sites {
		if site.Name == "" {
			return fmt.Errorf("hpc site %d has no name", i)
		}
	}

	return nil
}

package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "dispatcher_db", cfg.Database.Database)
				assert.Equal(t, "jobs", cfg.RabbitMQ.WorkQueue.Name)
				assert.Equal(t, "monitor", cfg.RabbitMQ.MonitorQueue.Name)
				assert.Equal(t, "hpc-dispatcher", cfg.App.Name)
				assert.Equal(t, []string{"cori", "edison"}, cfg.HPC.SiteNames())
				assert.Equal(t, "RUNNING", cfg.HPC.Sites[1].StatusAliases["R"])
				assert.Equal(t, 5, cfg.HPC.AccountingAttempts)
				assert.Equal(t, 5*time.Second, cfg.Submitter.DependencyRetryDelay)
				assert.Equal(t, 3, cfg.Reconciler.MaxAttempts)
				assert.Equal(t, CacheBackendRedis, cfg.Cache.Backend)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/missing_database.yaml")
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, 1, cfg.RabbitMQ.Consumer.PrefetchCount)
	assert.Equal(t, 30*time.Second, cfg.HPC.RequestTimeout)
	assert.Equal(t, 10, cfg.HPC.AccountingAttempts)
	assert.Equal(t, time.Second, cfg.HPC.AccountingRetryDelay)
	assert.Equal(t, 10*time.Second, cfg.Reconciler.Interval)
	assert.Equal(t, 1000, cfg.Reconciler.BatchSize)
	assert.Equal(t, 0, cfg.Reconciler.MaxAttempts)
	assert.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	assert.Equal(t, "dispatcher:monitor", cfg.Cache.Redis.Key)
}

func TestLoad_EnvironmentOverridesSecrets(t *testing.T) {
	t.Setenv("DATABASE_PASSWORD", "from-env")
	t.Setenv("HPC_PASSWORD", "hpc-secret")
	t.Setenv("REDIS_PASSWORD", "redis-secret")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "hpc-secret", cfg.HPC.Password)
	assert.Equal(t, "redis-secret", cfg.Cache.Redis.Password)
	// unset variables keep the file value
	assert.Equal(t, "guest", cfg.RabbitMQ.Password)
	assert.Equal(t, "dispatcher", cfg.HPC.Username)
}

func TestLoad_EnvProcessError(t *testing.T) {
	originalEnvProcess := envProcess
	defer func() { envProcess = originalEnvProcess }()

	envProcess = func(ctx context.Context, v any, mus ...envconfig.Mutator) error {
		return errors.New("boom")
	}

	cfg, err := Load("testdata/valid_config.yaml")
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to process env config")
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "dispatcher_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:         "localhost",
			Port:         5672,
			WorkQueue:    QueueConfig{Name: "jobs"},
			MonitorQueue: QueueConfig{Name: "monitor"},
		},
		HPC: HPCConfig{
			BaseURL: "https://newt.example.org/newt",
			Sites:   []SiteConfig{{Name: "cori"}},
		},
		Submitter: SubmitterConfig{ScriptDir: "/scratch/scripts"},
		Cache:     CacheConfig{Backend: CacheBackendMemory},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = 0 },
			errString: "invalid database port",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "invalid rabbitmq port",
			mutate:    func(c *Config) { c.RabbitMQ.Port = 70000 },
			errString: "invalid rabbitmq port",
		},
		{
			name:      "empty work queue",
			mutate:    func(c *Config) { c.RabbitMQ.WorkQueue.Name = "" },
			errString: "rabbitmq work queue name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		port      int
		errString string
	}{
		{name: "valid port", port: 8080},
		{name: "invalid server port - too low", port: 0, errString: "invalid server port"},
		{name: "invalid server port - too high", port: 70000, errString: "invalid server port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Server.Port = tt.port

			err := cfg.ValidateAPIConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateSubmitterConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "common validation runs first",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "missing base url",
			mutate:    func(c *Config) { c.HPC.BaseURL = "" },
			errString: "hpc base_url is required",
		},
		{
			name:      "no sites",
			mutate:    func(c *Config) { c.HPC.Sites = nil },
			errString: "at least one hpc site is required",
		},
		{
			name:      "unnamed site",
			mutate:    func(c *Config) { c.HPC.Sites = append(c.HPC.Sites, SiteConfig{}) },
			errString: "hpc site 1 has no name",
		},
		{
			name:      "missing monitor queue",
			mutate:    func(c *Config) { c.RabbitMQ.MonitorQueue.Name = "" },
			errString: "rabbitmq monitor queue name is required",
		},
		{
			name:      "missing script dir",
			mutate:    func(c *Config) { c.Submitter.ScriptDir = "" },
			errString: "submitter script_dir is required",
		},
		{
			name:      "negative dependency delay",
			mutate:    func(c *Config) { c.Submitter.DependencyRetryDelay = -time.Second },
			errString: "dependency_retry_delay must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateSubmitterConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateReconcilerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid memory cache",
			mutate: func(c *Config) {},
		},
		{
			name: "valid redis cache",
			mutate: func(c *Config) {
				c.Cache.Backend = CacheBackendRedis
				c.Cache.Redis.Addr = "localhost:6379"
			},
		},
		{
			name:      "redis without addr",
			mutate:    func(c *Config) { c.Cache.Backend = CacheBackendRedis },
			errString: "cache redis addr is required",
		},
		{
			name:      "unknown backend",
			mutate:    func(c *Config) { c.Cache.Backend = "memcached" },
			errString: "unknown cache backend",
		},
		{
			name:      "negative max attempts",
			mutate:    func(c *Config) { c.Reconciler.MaxAttempts = -1 },
			errString: "max_attempts must not be negative",
		},
		{
			name:      "missing monitor queue",
			mutate:    func(c *Config) { c.RabbitMQ.MonitorQueue.Name = "" },
			errString: "rabbitmq monitor queue name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateReconcilerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateSubmitterConfig())
		require.NoError(t, cfg.ValidateReconcilerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

package config

import (
	"testing"
	"time"

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
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, "localhost", cfg.Database.Host)
			assert.Equal(t, "jobs_db", cfg.Database.Database)
			assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange)
			assert.Equal(t, 10*time.Second, cfg.Scheduler.PollInterval)
			assert.Equal(t, 5, cfg.Scheduler.BatchSize)

			// keys missing from the file keep their defaults
			assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
			assert.Equal(t, 2, cfg.Pools.EditImage.Concurrency)
			assert.Equal(t, 700*time.Millisecond, cfg.Pools.EnhanceImage.MinDelay)
			assert.Equal(t, 5*time.Second, cfg.Backoff.Base)
			assert.Equal(t, float64(3), cfg.Backoff.Multiplier)
			assert.Equal(t, 5*time.Minute, cfg.Notifications.Telegram.FailureDebounce)
		})
	}
}

func TestLoad_EnvironmentOverridesSecrets(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gem-key")
	t.Setenv("REPLICATE_API_TOKEN", "r8-token")
	t.Setenv("DATABASE_PASSWORD", "from-env")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "gem-key", cfg.Providers.Gemini.APIKey)
	assert.Equal(t, "r8-token", cfg.Providers.Replicate.APIToken)
	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "worker", cfg.Database.User)
}

func validConfig() *Config {
	cfg := Default()
	cfg.Database.Host = "localhost"
	cfg.Database.Database = "jobs_db"
	cfg.Providers.Replicate.Model = "acme/upscaler:1234abcd"
	return &cfg
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
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "zero batch size",
			mutate:    func(c *Config) { c.Scheduler.BatchSize = 0 },
			errString: "batch_size",
		},
		{
			name:      "zero max retries",
			mutate:    func(c *Config) { c.Scheduler.MaxRetries = 0 },
			errString: "max_retries",
		},
		{
			name:      "zero edit pool concurrency",
			mutate:    func(c *Config) { c.Pools.EditImage.Concurrency = 0 },
			errString: "concurrency",
		},
		{
			name:      "multiplier below one",
			mutate:    func(c *Config) { c.Backoff.Multiplier = 0.5 },
			errString: "backoff",
		},
		{
			name:      "missing replicate model",
			mutate:    func(c *Config) { c.Providers.Replicate.Model = "" },
			errString: "replicate model",
		},
		{
			name: "rabbitmq enabled without host",
			mutate: func(c *Config) {
				c.RabbitMQ.Enabled = true
				c.RabbitMQ.Host = ""
			},
			errString: "rabbitmq host",
		},
		{
			name:      "storage enabled without bucket",
			mutate:    func(c *Config) { c.Storage.Enabled = true },
			errString: "storage bucket",
		},
		{
			name:      "telegram enabled without token",
			mutate:    func(c *Config) { c.Notifications.Telegram.Enabled = true },
			errString: "telegram",
		},
		{
			name:      "email enabled without host",
			mutate:    func(c *Config) { c.Notifications.Email.Enabled = true },
			errString: "email host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

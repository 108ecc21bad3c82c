package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete worker configuration. Values come from the
// YAML file; secrets are then overlaid from the environment.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	RabbitMQ      RabbitMQConfig      `yaml:"rabbitmq"`
	Logging       LoggingConfig       `yaml:"logging"`
	App           AppConfig           `yaml:"app"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Backoff       BackoffConfig       `yaml:"backoff"`
	Pools         PoolsConfig         `yaml:"pools"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Input         InputConfig         `yaml:"input"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DATABASE_HOST"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user" env:"DATABASE_USER"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE_NAME"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig configures the job outcome event publisher.
type RabbitMQConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost          string        `yaml:"vhost"`
	Exchange       string        `yaml:"exchange"`
	ExchangeType   string        `yaml:"exchange_type"`
	Queue          string        `yaml:"queue"`
	BindingKey     string        `yaml:"binding_key"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	PublishRetries int           `yaml:"publish_retries"`
	PublishDelay   time.Duration `yaml:"publish_retry_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// SchedulerConfig controls the polling loop.
type SchedulerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxRetries      int           `yaml:"max_retries"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BackoffConfig: delay = base * multiplier^attempt + U[0, jitter).
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     time.Duration `yaml:"jitter"`
}

// PoolsConfig holds the per-class concurrency settings.
type PoolsConfig struct {
	EditImage    EditImagePoolConfig    `yaml:"edit_image"`
	EnhanceImage EnhanceImagePoolConfig `yaml:"enhance_image"`
}

type EditImagePoolConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type EnhanceImagePoolConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
}

// ProvidersConfig holds the AI provider settings.
type ProvidersConfig struct {
	CallTimeout time.Duration   `yaml:"call_timeout"`
	PromptsPath string          `yaml:"prompts_path"`
	Gemini      GeminiConfig    `yaml:"gemini"`
	Replicate   ReplicateConfig `yaml:"replicate"`
}

type GeminiConfig struct {
	APIKey            string  `yaml:"api_key" env:"GEMINI_API_KEY"`
	Model             string  `yaml:"model" env:"GEMINI_MODEL"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type ReplicateConfig struct {
	APIToken          string  `yaml:"api_token" env:"REPLICATE_API_TOKEN"`
	Model             string  `yaml:"model" env:"REPLICATE_MODEL"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// InputConfig controls how input images are downloaded.
type InputConfig struct {
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	MaxBytes             int64         `yaml:"max_bytes"`
	AllowPrivateNetworks bool          `yaml:"allow_private_networks"`
}

// StorageConfig points at an S3-compatible bucket (Cloudflare R2 in production).
type StorageConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint" env:"STORAGE_ENDPOINT"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket" env:"STORAGE_BUCKET"`
	KeyPrefix       string `yaml:"key_prefix"`
	PublicBaseURL   string `yaml:"public_base_url" env:"STORAGE_PUBLIC_BASE_URL"`
	AccessKeyID     string `yaml:"access_key_id" env:"STORAGE_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"STORAGE_SECRET_ACCESS_KEY"`
}

// NotificationsConfig holds the delivery channels. Each one is optional.
type NotificationsConfig struct {
	Brand    string         `yaml:"brand"`
	AppURL   string         `yaml:"app_url" env:"APP_URL"`
	InApp    bool           `yaml:"in_app"`
	Email    EmailConfig    `yaml:"email"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type EmailConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host" env:"SMTP_HOST"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username" env:"SMTP_USERNAME"`
	Password  string `yaml:"password" env:"SMTP_PASSWORD"`
	From      string `yaml:"from" env:"EMAIL_FROM"`
	TLSPolicy string `yaml:"tls_policy"` // mandatory, opportunistic, none
}

type TelegramConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BotToken        string        `yaml:"bot_token" env:"TELEGRAM_TOKEN"`
	ChatID          string        `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	APIBaseURL      string        `yaml:"api_base_url"`
	FailureDebounce time.Duration `yaml:"failure_debounce"`
}

// Default returns the configuration used for any key the file omits.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            3001,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			Port:           5672,
			VHost:          "/",
			Exchange:       "image_jobs.events",
			ExchangeType:   "topic",
			BindingKey:     "job.#",
			RetryAttempts:  5,
			RetryInterval:  2 * time.Second,
			Heartbeat:      10 * time.Second,
			PublishRetries: 2,
			PublishDelay:   100 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info", Format: "console", Output: "stdout"},
		App:     AppConfig{Name: "image-worker", Environment: "development"},
		Scheduler: SchedulerConfig{
			PollInterval:    30 * time.Second,
			BatchSize:       15,
			MaxRetries:      3,
			StaleAfter:      15 * time.Minute,
			ShutdownTimeout: 5 * time.Minute,
		},
		Backoff: BackoffConfig{Base: 5 * time.Second, Multiplier: 3, Jitter: 5 * time.Second},
		Pools: PoolsConfig{
			EditImage:    EditImagePoolConfig{Concurrency: 2},
			EnhanceImage: EnhanceImagePoolConfig{MinDelay: 700 * time.Millisecond},
		},
		Providers: ProvidersConfig{
			CallTimeout: 3 * time.Minute,
			Gemini: GeminiConfig{
				Model:             "gemini-2.5-flash-image",
				RequestsPerSecond: 1,
			},
			Replicate: ReplicateConfig{RequestsPerSecond: 2},
		},
		Input: InputConfig{FetchTimeout: 30 * time.Second, MaxBytes: 20 << 20},
		Storage: StorageConfig{
			Region:    "auto",
			KeyPrefix: "processed",
		},
		Notifications: NotificationsConfig{
			Brand: "GiraChavePro",
			InApp: true,
			Email: EmailConfig{Port: 587, TLSPolicy: "mandatory"},
			Telegram: TelegramConfig{
				APIBaseURL:      "https://api.telegram.org",
				FailureDebounce: 5 * time.Minute,
			},
		},
	}
}

// Load reads the YAML file over the defaults and applies environment overrides.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

// Validate checks the settings the worker cannot run without.
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return errors.New("database host is required")
	}
	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}
	if c.Database.Database == "" {
		return errors.New("database name is required")
	}

	if err := c.validateScheduler(); err != nil {
		return err
	}

	if c.Providers.CallTimeout <= 0 {
		return errors.New("providers call_timeout must be greater than 0")
	}
	if c.Providers.Gemini.Model == "" {
		return errors.New("providers gemini model is required")
	}
	if c.Providers.Replicate.Model == "" {
		return errors.New("providers replicate model is required")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return errors.New("rabbitmq host is required when enabled")
		}
		if c.RabbitMQ.Exchange == "" {
			return errors.New("rabbitmq exchange is required when enabled")
		}
	}

	if c.Storage.Enabled && (c.Storage.Bucket == "" || c.Storage.PublicBaseURL == "") {
		return errors.New("storage bucket and public_base_url are required when enabled")
	}

	if c.Notifications.Email.Enabled && (c.Notifications.Email.Host == "" || c.Notifications.Email.From == "") {
		return errors.New("email host and from are required when enabled")
	}
	if c.Notifications.Telegram.Enabled && (c.Notifications.Telegram.BotToken == "" || c.Notifications.Telegram.ChatID == "") {
		return errors.New("telegram bot_token and chat_id are required when enabled")
	}

	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	if s.PollInterval <= 0 {
		return errors.New("scheduler poll_interval must be greater than 0")
	}
	if s.BatchSize <= 0 {
		return errors.New("scheduler batch_size must be greater than 0")
	}
	if s.MaxRetries <= 0 {
		return errors.New("scheduler max_retries must be greater than 0")
	}
	if s.ShutdownTimeout <= 0 {
		return errors.New("scheduler shutdown_timeout must be greater than 0")
	}
	if c.Pools.EditImage.Concurrency <= 0 {
		return errors.New("pools edit_image concurrency must be greater than 0")
	}
	if c.Pools.EnhanceImage.MinDelay < 0 {
		return errors.New("pools enhance_image min_delay must not be negative")
	}
	if c.Backoff.Base <= 0 || c.Backoff.Multiplier < 1 || c.Backoff.Jitter < 0 {
		return errors.New("backoff requires base > 0, multiplier >= 1 and jitter >= 0")
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/image-job-worker/internal/api/handler"
	"github.com/cuongbtq/image-job-worker/internal/api/router"
	apistorage "github.com/cuongbtq/image-job-worker/internal/api/storage"
	"github.com/cuongbtq/image-job-worker/internal/artifact"
	"github.com/cuongbtq/image-job-worker/internal/config"
	"github.com/cuongbtq/image-job-worker/internal/metrics"
	"github.com/cuongbtq/image-job-worker/internal/notify"
	"github.com/cuongbtq/image-job-worker/internal/provider"
	"github.com/cuongbtq/image-job-worker/internal/sink"
	"github.com/cuongbtq/image-job-worker/internal/usage"
	"github.com/cuongbtq/image-job-worker/internal/worker"
	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
	"github.com/cuongbtq/image-job-worker/internal/worker/storage"
	"github.com/cuongbtq/image-job-worker/migrations"
	"github.com/cuongbtq/image-job-worker/shared/postgresql"
	"github.com/cuongbtq/image-job-worker/shared/rabbitmq"
)

func serveCmd() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop and the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Apply pending migrations before starting")
	return cmd
}

func runServe(parent context.Context, autoMigrate bool) error {
	startedAt := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	log := appLogger.Logger
	slog.SetDefault(log)

	log.Info("Starting image worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if autoMigrate {
		if err := migrations.Up(dbClient.DB().DB); err != nil {
			return err
		}
		log.Info("Migrations applied")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(ctx, &cfg.RabbitMQ, log)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		log.Info("RabbitMQ connection established")
	}

	w, err := buildWorker(ctx, cfg, dbClient, rabbitClient, m, log)
	if err != nil {
		return err
	}

	srv := newHTTPServer(cfg, dbClient, registry, startedAt, log)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- w.Start(ctx)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
		stop()
		if err := <-workerErr; err != nil {
			log.Error("Worker stopped with error", slog.Any("error", err))
		}
	case err := <-workerErr:
		runErr = err
		stop()
	case <-ctx.Done():
		log.Info("Shutdown signal received")
		if err := <-workerErr; err != nil {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", slog.Any("error", err))
	}

	log.Info("Image worker shutdown complete")
	return runErr
}

func buildWorker(
	ctx context.Context,
	cfg *config.Config,
	dbClient *postgresql.Client,
	rabbitClient *rabbitmq.Client,
	m *metrics.Metrics,
	log *slog.Logger,
) (*worker.Worker, error) {
	db := dbClient.DB()
	store := storage.NewStorage(db, log)

	fetcher := artifact.NewFetcher(artifact.FetcherConfig{
		Timeout:              cfg.Input.FetchTimeout,
		MaxBytes:             cfg.Input.MaxBytes,
		AllowPrivateNetworks: cfg.Input.AllowPrivateNetworks,
	})

	var uploader sink.Uploader
	if cfg.Storage.Enabled {
		u, err := artifact.NewS3Uploader(artifact.UploaderConfig{
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			Bucket:          cfg.Storage.Bucket,
			KeyPrefix:       cfg.Storage.KeyPrefix,
			PublicBaseURL:   cfg.Storage.PublicBaseURL,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize object storage: %w", err)
		}
		uploader = u
	} else {
		log.Warn("Object storage disabled, provider references will be stored as output")
	}

	prompts := provider.DefaultPrompts()
	if cfg.Providers.PromptsPath != "" {
		p, err := provider.LoadPrompts(cfg.Providers.PromptsPath)
		if err != nil {
			return nil, err
		}
		prompts = p
	}

	gemini, err := provider.NewGemini(ctx, provider.GeminiConfig{
		APIKey:            cfg.Providers.Gemini.APIKey,
		Model:             cfg.Providers.Gemini.Model,
		RequestsPerSecond: cfg.Providers.Gemini.RequestsPerSecond,
	}, prompts, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini: %w", err)
	}

	replicateProvider, err := provider.NewReplicate(provider.ReplicateConfig{
		APIToken:          cfg.Providers.Replicate.APIToken,
		Model:             cfg.Providers.Replicate.Model,
		RequestsPerSecond: cfg.Providers.Replicate.RequestsPerSecond,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize replicate: %w", err)
	}

	return worker.NewWorker(&worker.Config{
		Logger:  log,
		Store:   store,
		Sink:    sink.New(store, uploader, fetcher, m, log),
		Fetcher: fetcher,
		Providers: map[domain.ProviderClass]worker.Provider{
			domain.ClassEditImage:    gemini,
			domain.ClassEnhanceImage: replicateProvider,
		},
		Notifier: notify.New(notify.NewProfiles(db), notificationChannels(cfg, dbClient, rabbitClient), m, log),
		Usage:    usage.NewRecorder(db, usage.DefaultPricing(), m, log),
		Metrics:  m,

		EditPool:    worker.NewBoundedPool(cfg.Pools.EditImage.Concurrency, log),
		EnhancePool: worker.NewPacedPool(cfg.Pools.EnhanceImage.MinDelay, log),

		PollInterval:      cfg.Scheduler.PollInterval,
		BatchSize:         cfg.Scheduler.BatchSize,
		MaxRetries:        cfg.Scheduler.MaxRetries,
		StaleAfter:        cfg.Scheduler.StaleAfter,
		HeartbeatInterval: cfg.Scheduler.StaleAfter / 3,
		CallTimeout:       cfg.Providers.CallTimeout,
		ShutdownTimeout:   cfg.Scheduler.ShutdownTimeout,
		Backoff:           worker.NewBackoff(cfg.Backoff.Base, cfg.Backoff.Multiplier, cfg.Backoff.Jitter),
	}), nil
}

// notificationChannels returns the enabled channels in delivery order.
func notificationChannels(cfg *config.Config, dbClient *postgresql.Client, rabbitClient *rabbitmq.Client) []notify.Channel {
	n := cfg.Notifications
	var channels []notify.Channel

	if n.InApp {
		channels = append(channels, notify.NewInApp(dbClient.DB(), n.AppURL))
	}
	if n.Email.Enabled {
		channels = append(channels, notify.NewEmail(notify.SMTPConfig{
			Host:      n.Email.Host,
			Port:      n.Email.Port,
			Username:  n.Email.Username,
			Password:  n.Email.Password,
			From:      n.Email.From,
			TLSPolicy: n.Email.TLSPolicy,
		}, n.Brand, n.AppURL))
	}
	if n.Telegram.Enabled {
		channels = append(channels, notify.NewTelegram(notify.TelegramConfig{
			BotToken:   n.Telegram.BotToken,
			ChatID:     n.Telegram.ChatID,
			APIBaseURL: n.Telegram.APIBaseURL,
			Brand:      n.Brand,
		}, &http.Client{Timeout: 10 * time.Second}, notify.NewDebouncer(n.Telegram.FailureDebounce)))
	}
	if rabbitClient != nil {
		channels = append(channels, notify.NewEvents(rabbitClient))
	}
	return channels
}

func newHTTPServer(cfg *config.Config, dbClient *postgresql.Client, registry *prometheus.Registry, startedAt time.Time, log *slog.Logger) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:      log,
		Jobs:        apistorage.NewStorage(dbClient.DB()),
		DB:          dbClient,
		Gatherer:    registry,
		ServiceName: cfg.App.Name,
		StartedAt:   startedAt,
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// initRabbitMQ connects the job event publisher
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange,
		ExchangeType:      cfg.ExchangeType,
		ExchangeDurable:   true,
		QueueName:         cfg.Queue,
		BindingKey:        cfg.BindingKey,
		RetryAttempts:     cfg.RetryAttempts,
		RetryInterval:     cfg.RetryInterval,
		Heartbeat:         cfg.Heartbeat,
		PublishRetries:    cfg.PublishRetries,
		PublishRetryDelay: cfg.PublishDelay,
	}, logger)
}

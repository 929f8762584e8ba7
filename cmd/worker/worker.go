package main

import (
	"context"

	"github.com/boxguard/parcel-detection-worker/internal/baseline"
	"github.com/boxguard/parcel-detection-worker/internal/clock"
	"github.com/boxguard/parcel-detection-worker/internal/config"
	"github.com/boxguard/parcel-detection-worker/internal/credential"
	"github.com/boxguard/parcel-detection-worker/internal/db"
	"github.com/boxguard/parcel-detection-worker/internal/engine"
	"github.com/boxguard/parcel-detection-worker/internal/httpapi"
	"github.com/boxguard/parcel-detection-worker/internal/mq"
	"github.com/boxguard/parcel-detection-worker/internal/mqtt"
	"github.com/boxguard/parcel-detection-worker/internal/repository"
	"github.com/boxguard/parcel-detection-worker/internal/scheduler"
	"github.com/boxguard/parcel-detection-worker/internal/service"
	"github.com/boxguard/parcel-detection-worker/internal/validator"
	"github.com/boxguard/parcel-detection-worker/internal/vision"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startWorker wires the inbound edges: the device relay subscriptions, the
// settings-patch consumer, and the operational HTTP server.
func startWorker(
	lc fx.Lifecycle,
	mqttClient *mqtt.Client,
	mqConn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
	server *httpapi.Server,
) error {
	// Context for inbound handlers that is cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	relay := mqtt.NewRelay(mqttClient, cfg.MQTT, processor, logger)

	settingsConsumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       mqConn,
		Queue:            cfg.RabbitMQ.SettingsQueue,
		DLQQueue:         cfg.RabbitMQ.SettingsDLQQueue,
		Exchange:         cfg.RabbitMQ.SettingsExchange,
		RoutingKey:       cfg.RabbitMQ.SettingsRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: processor.ApplySettingsPatch,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker",
				zap.String("photo_topic", cfg.MQTT.PhotoTopic),
				zap.String("settings_queue", cfg.RabbitMQ.SettingsQueue))
			if err := relay.Start(ctx); err != nil {
				return err
			}
			if err := settingsConsumer.Start(ctx); err != nil {
				return err
			}
			return server.Start()
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := settingsConsumer.Close(); err != nil {
				logger.Error("failed to close settings consumer", zap.Error(err))
			}
			if err := server.Stop(stopCtx); err != nil {
				logger.Error("failed to stop http server", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return nil
}

// ProvideClock supplies the system clock
func ProvideClock() clock.Clock {
	return clock.System()
}

// ProvideSettingsStore creates the runtime settings store seeded from config
func ProvideSettingsStore(cfg *config.Config) (*config.SettingsStore, error) {
	return config.NewSettingsStore(cfg.Detection)
}

// ProvideCredentialPool creates the credential pool and ties its maintenance
// loop to the application lifecycle
func ProvideCredentialPool(lc fx.Lifecycle, cfg *config.Config, clk clock.Clock, logger *zap.Logger) (*credential.Pool, error) {
	keys, err := credential.ParseProvisionedKeys(cfg.Vision.APIKeys)
	if err != nil {
		return nil, err
	}
	pool, err := credential.NewPool(keys, credential.PoolConfig{
		MinuteLimit:         cfg.Pool.MinuteLimit,
		DayLimit:            cfg.Pool.DayLimit,
		RateLimitCooldown:   cfg.Pool.RateLimitCooldown,
		UnhealthyCooldown:   cfg.Pool.UnhealthyCooldown,
		MaintenanceInterval: cfg.Pool.MaintenanceInterval,
		IdleDecayAfter:      cfg.Pool.IdleDecayAfter,
		UsageBand:           cfg.Pool.UsageBand,
	}, clk, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pool.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Stop()
			return nil
		},
	})
	return pool, nil
}

// ProvideVisionClient creates the external vision-AI client
func ProvideVisionClient(cfg *config.Config, pool *credential.Pool, logger *zap.Logger) *vision.Client {
	return vision.NewClient(vision.ClientConfig{
		BaseURL:        cfg.Vision.BaseURL,
		Model:          cfg.Vision.Model,
		RequestTimeout: cfg.Vision.RequestTimeout,
		MaxTokens:      cfg.Vision.MaxTokens,
	}, pool, logger)
}

// ProvideBaselineStore opens the reference-photo store
func ProvideBaselineStore(cfg *config.Config, settings *config.SettingsStore, clk clock.Clock, logger *zap.Logger) (*baseline.Store, error) {
	return baseline.NewStore(cfg.Baseline, settings, clk, logger)
}

// ProvideDetectionEngine creates the detection engine
func ProvideDetectionEngine(client *vision.Client, baselines *baseline.Store, settings *config.SettingsStore, clk clock.Clock, logger *zap.Logger) *engine.Engine {
	return engine.New(client, baselines, settings, clk, logger)
}

// ProvideScheduler creates the adaptive interval scheduler
func ProvideScheduler(settings *config.SettingsStore, clk clock.Clock, logger *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(settings, clk, logger)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideValidator creates a new device-message validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.TimestampToleranceMinutes)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
}

// ProvideMQTTClient connects to the device-side broker
func ProvideMQTTClient(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*mqtt.Client, error) {
	client, err := mqtt.NewClient(mqtt.ClientConfig{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
	}, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			client.Close()
			return nil
		},
	})
	return client, nil
}

// ProvideProcessorService creates the detection pipeline service
func ProvideProcessorService(
	eng *engine.Engine,
	sched *scheduler.Scheduler,
	repo *repository.Repository,
	publisher *mq.Publisher,
	val *validator.Validator,
	settings *config.SettingsStore,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(eng, sched, repo, publisher, val, settings, cfg, logger)
}

// ProvideHTTPServer builds the operational HTTP server
func ProvideHTTPServer(
	cfg *config.Config,
	eng *engine.Engine,
	sched *scheduler.Scheduler,
	pool *credential.Pool,
	repo *repository.Repository,
	settings *config.SettingsStore,
	logger *zap.Logger,
) *httpapi.Server {
	return httpapi.NewServer(cfg.HTTPPort, eng, sched, pool, repo, settings, logger)
}

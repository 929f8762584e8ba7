package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	HTTPPort    int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	MQTT        MQTTConfig
	Vision      VisionConfig
	Pool        PoolConfig
	Baseline    BaselineConfig
	Validation  ValidationConfig
	Detection   Settings
}

// ValidationConfig holds device-message validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and routing settings
type RabbitMQConfig struct {
	URL                string
	EventsExchange     string
	ResultRoutingKey   string
	ScheduleRoutingKey string
	SettingsQueue      string
	SettingsDLQQueue   string
	SettingsExchange   string
	SettingsRoutingKey string
	PrefetchCount      int
}

// MQTTConfig holds the device-relay broker settings
type MQTTConfig struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	PhotoTopic   string
	SensorTopic  string
	PickupTopic  string
	ReleaseTopic string
}

// VisionConfig holds the external vision-AI provider settings
type VisionConfig struct {
	BaseURL        string
	Model          string
	APIKeys        string
	RequestTimeout time.Duration
	MaxTokens      int
}

// PoolConfig holds credential pool quota and recovery settings
type PoolConfig struct {
	MinuteLimit         int
	DayLimit            int
	RateLimitCooldown   time.Duration
	UnhealthyCooldown   time.Duration
	MaintenanceInterval time.Duration
	IdleDecayAfter      time.Duration
	UsageBand           int
}

// BaselineConfig holds reference-photo storage settings
type BaselineConfig struct {
	Dir     string
	MaxEdge int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "parcel-detection-worker"),
		HTTPPort:    getEnvAsInt("HTTP_PORT", 8082),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:                getEnv("RABBITMQ_URL", ""),
			EventsExchange:     getEnv("RABBITMQ_EVENTS_EXCHANGE", "parcel-detection.events.exchange"),
			ResultRoutingKey:   getEnv("RABBITMQ_RESULT_ROUTING_KEY", "detection.result"),
			ScheduleRoutingKey: getEnv("RABBITMQ_SCHEDULE_ROUTING_KEY", "detection.schedule"),
			SettingsQueue:      getEnv("RABBITMQ_SETTINGS_QUEUE", "parcel-detection.settings.queue"),
			SettingsDLQQueue:   getEnv("RABBITMQ_SETTINGS_DLQ_QUEUE", "parcel-detection.settings.dlq"),
			SettingsExchange:   getEnv("RABBITMQ_SETTINGS_EXCHANGE", "parcel-detection.settings.exchange"),
			SettingsRoutingKey: getEnv("RABBITMQ_SETTINGS_ROUTING_KEY", "settings.patch"),
			PrefetchCount:      getEnvAsInt("RABBITMQ_PREFETCH", 5),
		},
		MQTT: MQTTConfig{
			BrokerURL:    getEnv("MQTT_BROKER", "tcp://localhost:1883"),
			ClientID:     getEnv("MQTT_CLIENT_ID", "parcel-detection-worker"),
			Username:     getEnv("MQTT_USERNAME", ""),
			Password:     getEnv("MQTT_PASSWORD", ""),
			PhotoTopic:   getEnv("MQTT_TOPIC_PHOTO", "holder/+/photo"),
			SensorTopic:  getEnv("MQTT_TOPIC_SENSOR", "holder/+/sensor"),
			PickupTopic:  getEnv("MQTT_TOPIC_PICKUP", "holder/+/pickup"),
			ReleaseTopic: getEnv("MQTT_TOPIC_RELEASE", "holder/+/released"),
		},
		Vision: VisionConfig{
			BaseURL:        getEnv("VISION_BASE_URL", "https://api.openai.com/v1"),
			Model:          getEnv("VISION_MODEL", "gpt-4o-mini"),
			APIKeys:        getEnv("VISION_API_KEYS", ""),
			RequestTimeout: getEnvAsDuration("VISION_REQUEST_TIMEOUT", 30*time.Second),
			MaxTokens:      getEnvAsInt("VISION_MAX_TOKENS", 500),
		},
		Pool: PoolConfig{
			MinuteLimit:         getEnvAsInt("POOL_MINUTE_LIMIT", 10),
			DayLimit:            getEnvAsInt("POOL_DAY_LIMIT", 1500),
			RateLimitCooldown:   getEnvAsDuration("POOL_RATE_LIMIT_COOLDOWN", 60*time.Second),
			UnhealthyCooldown:   getEnvAsDuration("POOL_UNHEALTHY_COOLDOWN", 5*time.Minute),
			MaintenanceInterval: getEnvAsDuration("POOL_MAINTENANCE_INTERVAL", 30*time.Second),
			IdleDecayAfter:      getEnvAsDuration("POOL_IDLE_DECAY_AFTER", 10*time.Minute),
			UsageBand:           getEnvAsInt("POOL_USAGE_BAND", 10),
		},
		Baseline: BaselineConfig{
			Dir:     getEnv("BASELINE_DIR", "data/baselines"),
			MaxEdge: getEnvAsInt("BASELINE_MAX_EDGE", 1280),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 15),
		},
		Detection: DefaultSettings(),
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.Vision.APIKeys == "" {
		return nil, fmt.Errorf("VISION_API_KEYS is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

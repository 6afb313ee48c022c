package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const ServiceName = "stockhold-api"

// Config is the full runtime configuration. Values are resolved in order:
// defaults, then the YAML file named by CONFIG_PATH, then environment.
type Config struct {
	Env      string         `yaml:"env"`
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Holds    HoldsConfig    `yaml:"holds"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Auth     AuthConfig     `yaml:"auth"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type DatabaseConfig struct {
	// Driver is one of sqlite, mysql or postgres.
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	// Addr left empty disables the product cache.
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	// Brokers left empty disables the webhook consumer.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
	// DeadLetterTopic receives messages that could not be applied. Empty
	// means they are logged and dropped.
	DeadLetterTopic string `yaml:"dead_letter_topic"`
}

type HoldsConfig struct {
	Duration       time.Duration `yaml:"duration"`
	MaxAttempts    int           `yaml:"max_attempts"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepBatchSize int           `yaml:"sweep_batch_size"`
}

type WebhookConfig struct {
	WaitAttempts int           `yaml:"wait_attempts"`
	WaitInitial  time.Duration `yaml:"wait_initial"`
}

type AuthConfig struct {
	// JWTSecret left empty leaves the webhook route unauthenticated.
	JWTSecret string            `yaml:"jwt_secret"`
	Providers map[string]string `yaml:"providers"`
}

type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 5 * time.Second,
			RequestTimeout:  10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "stockhold.db",
		},
		Redis: RedisConfig{
			TTL: 30 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic:           "payment-webhooks",
			GroupID:         "stockhold-settlement",
			DeadLetterTopic: "payment-webhooks.dlq",
		},
		Holds: HoldsConfig{
			Duration:       2 * time.Minute,
			MaxAttempts:    3,
			SweepInterval:  time.Minute,
			SweepBatchSize: 100,
		},
		Webhook: WebhookConfig{
			WaitAttempts: 5,
			WaitInitial:  100 * time.Millisecond,
		},
	}
}

// Load builds the configuration from defaults, the optional file at
// CONFIG_PATH and environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Database.applyPoolDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Env = getEnv("ENV", c.Env)
	c.Debug = getEnv("DEBUG", strconv.FormatBool(c.Debug)) == "true"
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.DeadLetterTopic = getEnv("KAFKA_DEAD_LETTER_TOPIC", c.Kafka.DeadLetterTopic)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}

	var err error
	if c.Database.MaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns); err != nil {
		return err
	}
	if c.Database.MaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns); err != nil {
		return err
	}
	if c.Holds.Duration, err = getDuration("HOLD_DURATION", c.Holds.Duration); err != nil {
		return err
	}
	if c.Holds.SweepInterval, err = getDuration("SWEEP_INTERVAL", c.Holds.SweepInterval); err != nil {
		return err
	}
	return nil
}

// applyPoolDefaults sizes an unset pool for the driver. SQLite allows one
// writer, so it gets a single connection.
func (d *DatabaseConfig) applyPoolDefaults() {
	open, idle := 25, 10
	if d.Driver == "sqlite" {
		open, idle = 1, 1
	}
	if d.MaxOpenConns == 0 {
		d.MaxOpenConns = open
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = idle
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		return errors.New("database pool sizes cannot be negative")
	}
	if c.Holds.Duration <= 0 {
		return errors.New("hold duration must be positive")
	}
	if c.Holds.MaxAttempts <= 0 {
		return errors.New("hold max attempts must be positive")
	}
	if c.Holds.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.Holds.SweepBatchSize <= 0 {
		return errors.New("sweep batch size must be positive")
	}
	if c.Webhook.WaitAttempts <= 0 || c.Webhook.WaitInitial <= 0 {
		return errors.New("webhook wait attempts and initial delay must be positive")
	}
	return nil
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

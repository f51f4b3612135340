// Package config loads the service configuration from an optional YAML file,
// a .env file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type MetricsConfig struct {
	// Addr serves /metrics on its own listener. Empty mounts it on the API router.
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig enables the distributed wallet lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// KafkaConfig enables the notification event stream when Brokers is set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NotifyConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type SweepConfig struct {
	// Interval runs the sweep worker inside serve. Zero leaves scheduling to an
	// external cron calling the sweep command.
	Interval         time.Duration `yaml:"interval"`
	DefaultAfterDays int           `yaml:"default_after_days"`
	DueSoonDays      int           `yaml:"due_soon_days"`
}

// AppConfig is the main config struct that holds all configs
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Logging  LogConfig      `yaml:"logging"`
	Notify   NotifyConfig   `yaml:"notify"`
	Sweep    SweepConfig    `yaml:"sweep"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Path: "microloan.db"},
		Redis:    RedisConfig{LockTTL: 10 * time.Second},
		Kafka:    KafkaConfig{Topic: "microloan.notifications"},
		Logging:  LogConfig{Level: "info", Format: "json"},
		Notify:   NotifyConfig{Workers: 4, QueueSize: 1000},
		Sweep: SweepConfig{
			DefaultAfterDays: 30,
			DueSoonDays:      3,
		},
	}
}

// Load builds the configuration. A missing .env file is fine; a path that
// does not exist is an error.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = GetEnvOrDefaultAsString("MICROLOAN_CONFIG", "")
	}
	if path != "" {
		// #nosec G304: operator-supplied path
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Server.Addr = GetEnvOrDefaultAsString("SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.ReadTimeout = GetEnvOrDefaultAsDuration("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = GetEnvOrDefaultAsDuration("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)

	cfg.Metrics.Addr = GetEnvOrDefaultAsString("METRICS_ADDR", cfg.Metrics.Addr)

	cfg.Database.Path = GetEnvOrDefaultAsString("DATABASE_PATH", cfg.Database.Path)

	cfg.Redis.Addr = GetEnvOrDefaultAsString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = GetEnvOrDefaultAsString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = GetEnvOrDefaultAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.LockTTL = GetEnvOrDefaultAsDuration("REDIS_LOCK_TTL", cfg.Redis.LockTTL)

	if brokers := GetEnvOrDefaultAsString("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = GetEnvOrDefaultAsString("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Logging.Level = GetEnvOrDefaultAsString("LOGGING_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = GetEnvOrDefaultAsString("LOGGING_FORMAT", cfg.Logging.Format)

	cfg.Notify.Workers = GetEnvOrDefaultAsInt("NOTIFY_WORKERS", cfg.Notify.Workers)
	cfg.Notify.QueueSize = GetEnvOrDefaultAsInt("NOTIFY_QUEUE_SIZE", cfg.Notify.QueueSize)

	cfg.Sweep.Interval = GetEnvOrDefaultAsDuration("SWEEP_INTERVAL", cfg.Sweep.Interval)
	cfg.Sweep.DefaultAfterDays = GetEnvOrDefaultAsInt("SWEEP_DEFAULT_AFTER_DAYS", cfg.Sweep.DefaultAfterDays)
	cfg.Sweep.DueSoonDays = GetEnvOrDefaultAsInt("SWEEP_DUE_SOON_DAYS", cfg.Sweep.DueSoonDays)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *AppConfig) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Notify.Workers < 1 {
		return fmt.Errorf("notify.workers must be at least 1, got %d", c.Notify.Workers)
	}
	if c.Notify.QueueSize < 1 {
		return fmt.Errorf("notify.queue_size must be at least 1, got %d", c.Notify.QueueSize)
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("redis.lock_ttl must be positive, got %v", c.Redis.LockTTL)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}
	if c.Sweep.Interval < 0 {
		return fmt.Errorf("sweep.interval cannot be negative, got %v", c.Sweep.Interval)
	}
	if c.Sweep.DefaultAfterDays < 1 {
		return fmt.Errorf("sweep.default_after_days must be at least 1, got %d", c.Sweep.DefaultAfterDays)
	}
	if c.Sweep.DueSoonDays < 1 {
		return fmt.Errorf("sweep.due_soon_days must be at least 1, got %d", c.Sweep.DueSoonDays)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// GetEnvOrDefaultAsInt returns the value of the given env variable
// as an int or the default value if not set or invalid.
func GetEnvOrDefaultAsInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

// GetEnvOrDefaultAsDuration accepts Go duration strings such as "30s".
func GetEnvOrDefaultAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvOrDefaultAsString(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return defaultVal
}

// ============================================================================
// Digest Scheduler - Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load, override and validate daemon configuration
//
// Load order (later wins):
//   1. Default()                         - compiled-in defaults
//   2. YAML file (configs/default.yaml)  - optional, skipped when path is ""
//   3. .env file                         - skipped when ENV=production|prod
//   4. DIGEST_* environment variables    - e.g. DIGEST_SCHEDULER_INTERVAL=30s
//
// The merged result is validated with struct tags before it is returned.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "DIGEST"

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "configs/default.yaml"

// Config is the complete daemon configuration.
//
// Leaf fields use split_words instead of explicit envconfig names: an explicit
// name would also be looked up without the prefix, so PATH or PORT from the
// process environment would leak in.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler" envconfig:"SCHEDULER"`
	Queue     QueueConfig     `yaml:"queue" envconfig:"QUEUE"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Discovery DiscoveryConfig `yaml:"discovery" envconfig:"DISCOVERY"`
	Metrics   MetricsConfig   `yaml:"metrics" envconfig:"METRICS"`
	Admin     AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	GRPC      GRPCConfig      `yaml:"grpc" envconfig:"GRPC"`
	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
	Status    StatusConfig    `yaml:"status" envconfig:"STATUS"`
}

type SchedulerConfig struct {
	Interval               time.Duration `yaml:"interval" split_words:"true" validate:"gt=0"`
	BatchSize              int           `yaml:"batch_size" split_words:"true" validate:"gt=0"`
	PageSize               int           `yaml:"page_size" split_words:"true" validate:"gt=0"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" split_words:"true" validate:"gte=0"`
	Autostart              bool          `yaml:"autostart" split_words:"true"`
}

type QueueConfig struct {
	MaxSize int `yaml:"max_size" split_words:"true" validate:"gt=0"`
}

type StoreConfig struct {
	Driver        string        `yaml:"driver" split_words:"true" validate:"oneof=memory sqlite redis"`
	Path          string        `yaml:"path" split_words:"true" validate:"required_if=Driver sqlite"`
	BusyTimeout   time.Duration `yaml:"busy_timeout" split_words:"true" validate:"gte=0"`
	RedisAddr     string        `yaml:"redis_addr" split_words:"true" validate:"required_if=Driver redis"`
	RedisDB       int           `yaml:"redis_db" split_words:"true" validate:"gte=0"`
	RedisPassword string        `yaml:"redis_password" split_words:"true"`
}

type DiscoveryConfig struct {
	BaseURL    string        `yaml:"base_url" split_words:"true" validate:"required,url"`
	Timeout    time.Duration `yaml:"timeout" split_words:"true" validate:"gt=0"`
	MixedLimit int           `yaml:"mixed_limit" split_words:"true" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" split_words:"true"`
	Port    int  `yaml:"port" split_words:"true" validate:"gte=0,lte=65535"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Addr    string `yaml:"addr" split_words:"true" validate:"required_if=Enabled true"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Addr    string `yaml:"addr" split_words:"true" validate:"required_if=Enabled true"`
}

type LogConfig struct {
	Level  string `yaml:"level" split_words:"true" validate:"omitempty,oneof=trace debug info warn warning error disabled off"`
	Format string `yaml:"format" split_words:"true" validate:"omitempty,oneof=console json"`
}

type StatusConfig struct {
	Path     string        `yaml:"path" split_words:"true"`
	Interval time.Duration `yaml:"interval" split_words:"true" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Interval:  60 * time.Second,
			BatchSize: 10,
			PageSize:  10,
			Autostart: true,
		},
		Queue: QueueConfig{MaxSize: 500},
		Store: StoreConfig{
			Driver:      "sqlite",
			Path:        "data/digest.db",
			BusyTimeout: 5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			BaseURL:    "http://localhost:8081",
			Timeout:    10 * time.Second,
			MixedLimit: 10,
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
		Admin:   AdminConfig{Enabled: true, Addr: ":8090"},
		GRPC:    GRPCConfig{Enabled: false, Addr: ":50051"},
		Log:     LogConfig{Level: "info", Format: "console"},
		Status: StatusConfig{
			Path:     "data/status.json",
			Interval: 5 * time.Second,
		},
	}
}

var validate = validator.New()

// Load builds a Config from defaults, the YAML file at path, an optional
// .env file and DIGEST_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func loadDotEnv() error {
	switch os.Getenv("ENV") {
	case "production", "prod":
		return nil
	}
	err := godotenv.Load(".env")
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load .env: %w", err)
}

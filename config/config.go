// Package config provides configuration management for the saga service.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for the saga service.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Broker is the event bus transport configuration.
	Broker BrokerConfig `mapstructure:"broker"`

	// Storage is the saga record persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Saga is the orchestration policy configuration.
	Saga SagaConfig `mapstructure:"saga"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name, used as the event producer identity.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// BrokerConfig holds event bus transport settings.
type BrokerConfig struct {
	// Type is the transport backend (memory, amqp, redis).
	Type string `mapstructure:"type" validate:"oneof=memory amqp redis"`

	// SubscribeBuffer is the per-subscription channel buffer size.
	SubscribeBuffer int `mapstructure:"subscribe_buffer" validate:"min=0"`

	// AMQP is the RabbitMQ configuration.
	AMQP AMQPConfig `mapstructure:"amqp"`

	// Redis is the Redis pub/sub configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// AMQPConfig holds RabbitMQ-specific settings.
type AMQPConfig struct {
	// URL is the broker connection string.
	URL string `mapstructure:"url"`

	// Exchange is the topic exchange events are routed through.
	Exchange string `mapstructure:"exchange"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`
}

// StorageConfig holds saga record persistence settings.
type StorageConfig struct {
	// Type is the saga record backend (memory, sqlite).
	Type string `mapstructure:"type" validate:"oneof=memory sqlite"`

	// SQLite is the SQLite configuration.
	SQLite SQLiteConfig `mapstructure:"sqlite"`

	// Ledger is the idempotency ledger configuration.
	Ledger LedgerConfig `mapstructure:"ledger"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `mapstructure:"path"`
}

// LedgerConfig holds idempotency ledger settings. The sqlite record store
// carries its own ledger; this backend is used with the memory record store.
type LedgerConfig struct {
	// Type is the ledger backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// SagaConfig holds orchestration policy settings.
type SagaConfig struct {
	// Timeout is the default per-saga deadline.
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxRetryCount is the default per-step retry bound.
	MaxRetryCount int `mapstructure:"max_retry_count" validate:"min=1"`

	// ActionTimeout bounds each compensation action's execution.
	ActionTimeout time.Duration `mapstructure:"action_timeout"`

	// Scanner is the timeout scanner configuration.
	Scanner ScannerConfig `mapstructure:"scanner"`

	// Publish is the event publish retry policy.
	Publish PublishConfig `mapstructure:"publish"`
}

// ScannerConfig holds timeout scanner settings.
type ScannerConfig struct {
	// Interval is the time between sweeps.
	Interval time.Duration `mapstructure:"interval"`

	// BatchSize caps expired sagas claimed per sweep.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`

	// RatePerSecond paces compensation triggers within a sweep.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"min=0"`
}

// PublishConfig holds event publish retry settings.
type PublishConfig struct {
	// MaxRetries is the retry count after the first attempt.
	MaxRetries int `mapstructure:"max_retries" validate:"min=0"`

	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// BackoffFactor is the backoff multiplier between attempts.
	BackoffFactor float64 `mapstructure:"backoff_factor" validate:"min=1"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the tracing exporter (otlp).
	Exporter string `mapstructure:"exporter"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout is the export timeout.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are extra headers sent to the collector.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler selects the sampling strategy (always_on, always_off, ratio).
	Sampler string `mapstructure:"sampler"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Broker: %s, Storage: %s, Env: %s}",
		c.App.Name, c.Broker.Type, c.Storage.Type, c.App.Environment)
}

// Package config provides centralized configuration management for the triage services.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	globalConfig *Config
	once         sync.Once
)

// Config is the master configuration struct containing the processor config and shared infrastructure.
type Config struct {
	Processor ProcessorConfig `mapstructure:"processor"`

	// Shared infrastructure configurations
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// =============================================================================
// Processor
// =============================================================================

// ProcessorConfig holds file processing pipeline configuration
type ProcessorConfig struct {
	Worker    WorkerConfig    `mapstructure:"worker"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Decoder   DecoderConfig   `mapstructure:"decoder"`
	Detection DetectionConfig `mapstructure:"detection"`
	IOC       IOCConfig       `mapstructure:"ioc"`
	DLQ       DLQConfig       `mapstructure:"dlq"`
}

// WorkerConfig controls the task consumer pool
type WorkerConfig struct {
	PoolSize   int           `mapstructure:"pool_size"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`   // InProgress interval for long tasks
	AckWait    time.Duration `mapstructure:"ack_wait"`    // JetStream redelivery window
	MaxDeliver int           `mapstructure:"max_deliver"` // Delivery attempts before a task is abandoned
	TaskLease  time.Duration `mapstructure:"task_lease"`  // Age after which a live task ID is considered stale
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

// PipelineConfig holds per-file processing settings
type PipelineConfig struct {
	StagingDir       string        `mapstructure:"staging_dir"`
	BatchSize        int           `mapstructure:"batch_size"`
	RetryInitial     time.Duration `mapstructure:"retry_initial"`
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
	RetryMaxElapsed  time.Duration `mapstructure:"retry_max_elapsed"`
}

// DecoderConfig configures the external event log decoder
type DecoderConfig struct {
	EVTXCommand string        `mapstructure:"evtx_command"`
	EVTXArgs    []string      `mapstructure:"evtx_args"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DetectionConfig configures the external rule engine
type DetectionConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"` // {rules} and {events} are substituted
	Timeout     time.Duration `mapstructure:"timeout"`
	SourceTypes []string      `mapstructure:"source_types"`
	Breaker     BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// IOCConfig configures IOC hunting
type IOCConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// DLQConfig configures the dead letter queue for failed tasks
type DLQConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

// =============================================================================
// Shared infrastructure
// =============================================================================

// ServerConfig holds common HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection details
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a postgres:// URL usable by both pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + p.SSLMode,
	}
	return u.String()
}

// OpenSearchConfig holds OpenSearch connection configuration
type OpenSearchConfig struct {
	URL             string        `mapstructure:"url"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	TLSSkipVerify   bool          `mapstructure:"tls_skip_verify"`
	IndexPrefix     string        `mapstructure:"index_prefix"`
	ShardCount      int           `mapstructure:"shard_count"`
	ReplicaCount    int           `mapstructure:"replica_count"`
	RefreshInterval string        `mapstructure:"refresh_interval"`
	BulkWorkers     int           `mapstructure:"bulk_workers"`
	FlushBytes      int           `mapstructure:"flush_bytes"`
	ScrollKeepAlive time.Duration `mapstructure:"scroll_keep_alive"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MustLoad loads configuration once and panics on error.
// Use GetConfig() to access the loaded configuration.
func MustLoad() {
	once.Do(func() {
		cfg, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
		globalConfig = cfg
	})
}

// GetConfig returns the global configuration.
// Panics if MustLoad() hasn't been called.
func GetConfig() *Config {
	if globalConfig == nil {
		panic("config not initialized - call MustLoad first")
	}
	return globalConfig
}

// Load reads configuration from an explicit file, falling back to
// $TELHAWK_CONFIG_DIR/processor.yaml (default /etc/telhawk/processor.yaml).
// A missing file is not an error; defaults and environment variables apply.
//
// Environment variables override file values using the TELHAWK_ prefix,
// with dots replaced by underscores (TELHAWK_PROCESSOR_WORKER_POOL_SIZE, TELHAWK_NATS_URL).
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configFile == "" {
		configDir := os.Getenv("TELHAWK_CONFIG_DIR")
		if configDir == "" {
			configDir = "/etc/telhawk"
		}
		configFile = fmt.Sprintf("%s/processor.yaml", configDir)
	}

	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TELHAWK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// SetConfigFile reports a missing file as an fs error, not ConfigFileNotFoundError
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Processor
	v.SetDefault("processor.worker.pool_size", 4)
	v.SetDefault("processor.worker.heartbeat", "15s")
	v.SetDefault("processor.worker.ack_wait", "60s")
	v.SetDefault("processor.worker.max_deliver", 5)
	v.SetDefault("processor.worker.task_lease", "2h")
	v.SetDefault("processor.worker.lock_ttl", "2m")

	v.SetDefault("processor.pipeline.staging_dir", "/var/lib/telhawk/staging")
	v.SetDefault("processor.pipeline.batch_size", 2000)
	v.SetDefault("processor.pipeline.retry_initial", "100ms")
	v.SetDefault("processor.pipeline.retry_max_interval", "2s")
	v.SetDefault("processor.pipeline.retry_max_elapsed", "30s")

	v.SetDefault("processor.decoder.evtx_command", "evtx_dump")
	v.SetDefault("processor.decoder.evtx_args", []string{"-o", "jsonl", "--dont-show-record-number"})
	v.SetDefault("processor.decoder.timeout", "30m")

	v.SetDefault("processor.detection.enabled", true)
	v.SetDefault("processor.detection.command", "chainsaw")
	v.SetDefault("processor.detection.args", []string{"hunt", "{events}", "--sigma", "{rules}", "--json"})
	v.SetDefault("processor.detection.timeout", "20m")
	v.SetDefault("processor.detection.source_types", []string{"evtx"})
	v.SetDefault("processor.detection.breaker.max_requests", 1)
	v.SetDefault("processor.detection.breaker.interval", "5m")
	v.SetDefault("processor.detection.breaker.timeout", "1m")
	v.SetDefault("processor.detection.breaker.failure_threshold", 5)

	v.SetDefault("processor.ioc.page_size", 1000)

	v.SetDefault("processor.dlq.enabled", true)
	v.SetDefault("processor.dlq.max_age", "168h")

	// Server
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	// Database
	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "telhawk_triage")
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")

	// OpenSearch
	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.tls_skip_verify", true)
	v.SetDefault("opensearch.index_prefix", "telhawk-triage")
	v.SetDefault("opensearch.shard_count", 1)
	v.SetDefault("opensearch.replica_count", 0)
	v.SetDefault("opensearch.refresh_interval", "5s")
	v.SetDefault("opensearch.bulk_workers", 2)
	v.SetDefault("opensearch.flush_bytes", 5*1024*1024)
	v.SetDefault("opensearch.scroll_keep_alive", "2m")

	// NATS
	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	// Redis
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

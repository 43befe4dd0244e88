package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Processor      ProcessorConfig
	Plugins        PluginsConfig
	Sandbox        SandboxConfig
	Webhooks       WebhooksConfig
	Batch          BatchConfig
	RateLimit      RateLimitConfig
	CircuitBreaker CircuitBreakerConfig
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers                []string    `mapstructure:"brokers"`
	GroupID                string      `mapstructure:"group_id"`
	RawEventsTopic         string      `mapstructure:"raw_events_topic"`
	EventsTopic            string      `mapstructure:"events_topic"`
	PersonsTopic           string      `mapstructure:"persons_topic"`
	DistinctIDsTopic       string      `mapstructure:"distinct_ids_topic"`
	SessionRecordingsTopic string      `mapstructure:"session_recordings_topic"`
	WebhookTasksTopic      string      `mapstructure:"webhook_tasks_topic"`
	ReloadTopic            string      `mapstructure:"reload_topic"`
	DLQTopic               string      `mapstructure:"dlq_topic"`
	Retry                  RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProcessorConfig controls the event processor. Mode selects the persistence
// targets: "row" writes events to Postgres, "columnar" publishes to the
// ingestion topics, "dual" does both.
type ProcessorConfig struct {
	Mode    string `mapstructure:"mode"`
	Workers int    `mapstructure:"workers"`
}

type PluginsConfig struct {
	ReloadIntervalSeconds int `mapstructure:"reload_interval_seconds"`
}

type SandboxConfig struct {
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	FetchRPS      float64       `mapstructure:"fetch_rps"`
	FetchBurst    int           `mapstructure:"fetch_burst"`
}

type WebhooksConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type BatchConfig struct {
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
	MaxQueueSize    int `mapstructure:"max_queue_size"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}

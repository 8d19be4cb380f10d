package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	AI        AIConfig        `mapstructure:"ai"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	// RateLimitRPS caps execution starts per caller. Zero disables the limit.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres, sqlite or memory
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	Path         string `mapstructure:"path"` // sqlite file, ":memory:" allowed
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Topic         string   `mapstructure:"topic"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

// EngineConfig tunes the scheduler and the worker pool that runs executions.
type EngineConfig struct {
	Workers               int     `mapstructure:"workers"`
	QueueSize             int     `mapstructure:"queue_size"`
	DispatchRate          float64 `mapstructure:"dispatch_rate"`
	DispatchBurst         int     `mapstructure:"dispatch_burst"`
	MaxParallelNodes      int     `mapstructure:"max_parallel_nodes"`
	DefaultTimeoutMinutes int     `mapstructure:"default_timeout_minutes"`
	HTTPTimeoutSeconds    int     `mapstructure:"http_timeout_seconds"`
	LeaseTTLSeconds       int     `mapstructure:"lease_ttl_seconds"`
}

// RecoveryConfig is the default recovery policy applied when a workflow has none of its own.
type RecoveryConfig struct {
	AutoCheckpoint           bool   `mapstructure:"auto_checkpoint"`
	CheckpointInterval       int    `mapstructure:"checkpoint_interval"`
	CheckpointRetentionHours int    `mapstructure:"checkpoint_retention_hours"`
	AutoRecovery             bool   `mapstructure:"auto_recovery"`
	MaxRecoveryAttempts      int    `mapstructure:"max_recovery_attempts"`
	ReplayEnabled            bool   `mapstructure:"replay_enabled"`
	MaxConcurrentReplays     int    `mapstructure:"max_concurrent_replays"`
	CleanupSchedule          string `mapstructure:"cleanup_schedule"`
}

type AIConfig struct {
	Provider        string `mapstructure:"provider"` // anthropic or openai
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	DefaultModel    string `mapstructure:"default_model"`
	MaxTokens       int    `mapstructure:"max_tokens"`
}

func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/oneo")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("ONEO")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and env vars still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideFromEnv(v, &cfg)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = serviceName
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "oneo")
	v.SetDefault("database.password", "oneo")
	v.SetDefault("database.name", "oneo_workflows")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "oneo.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "workflow-engine")
	v.SetDefault("kafka.topic", "workflow.events")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.add_caller", true)
	v.SetDefault("logger.stacktrace", false)

	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.dispatch_rate", 50.0)
	v.SetDefault("engine.dispatch_burst", 20)
	v.SetDefault("engine.max_parallel_nodes", 4)
	v.SetDefault("engine.default_timeout_minutes", 60)
	v.SetDefault("engine.http_timeout_seconds", 30)
	v.SetDefault("engine.lease_ttl_seconds", 30)

	v.SetDefault("recovery.auto_checkpoint", true)
	v.SetDefault("recovery.checkpoint_interval", 5)
	v.SetDefault("recovery.checkpoint_retention_hours", 168)
	v.SetDefault("recovery.auto_recovery", true)
	v.SetDefault("recovery.max_recovery_attempts", 3)
	v.SetDefault("recovery.replay_enabled", true)
	v.SetDefault("recovery.max_concurrent_replays", 5)
	v.SetDefault("recovery.cleanup_schedule", "0 0 * * * *")

	v.SetDefault("ai.provider", "anthropic")
	v.SetDefault("ai.default_model", "claude-sonnet-4-5")
	v.SetDefault("ai.max_tokens", 4096)
}

func overrideFromEnv(v *viper.Viper, cfg *Config) {
	// Unprefixed variables commonly set by container platforms.
	if host := v.GetString("DATABASE_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := v.GetInt("DATABASE_PORT"); port != 0 {
		cfg.Database.Port = port
	}
	if pass := v.GetString("DATABASE_PASSWORD"); pass != "" {
		cfg.Database.Password = pass
	}
	if redisHost := v.GetString("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if key := v.GetString("ANTHROPIC_API_KEY"); key != "" && cfg.AI.AnthropicAPIKey == "" {
		cfg.AI.AnthropicAPIKey = key
	}
	if key := v.GetString("OPENAI_API_KEY"); key != "" && cfg.AI.OpenAIAPIKey == "" {
		cfg.AI.OpenAIAPIKey = key
	}
	if servicePort := v.GetInt("SERVER_PORT"); servicePort != 0 {
		cfg.Server.Port = servicePort
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Package config provides configuration management for the conversation
// batching and dispatch bridge.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root configuration structure, unmarshaled from a YAML file
// and/or environment variables.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Queue        QueueConfig
	Context      ContextConfig
	Resolver     ResolverConfig
	Dispatch     DispatchConfig
	Integrations IntegrationsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AckBudget       time.Duration `mapstructure:"ack_budget"`
}

// DatabaseConfig holds PostgreSQL configuration for the Tier 2 resolver
// cache store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis connection configuration for the dispatch bus.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// QueueConfig bounds the per-chat in-memory FIFO.
type QueueConfig struct {
	MaxMessagesPerChat      int           `mapstructure:"max_messages_per_chat"`
	MaxWaitSeconds          int           `mapstructure:"max_wait_seconds"`
	SchedulerIntervalSecond int           `mapstructure:"scheduler_interval_seconds"`
	SilenceThresholdSeconds int           `mapstructure:"silence_threshold_seconds"`
	DispatchTimeout         time.Duration `mapstructure:"dispatch_timeout"`
}

// ContextConfig carries the Smart Context Manager's remaining thresholds
// (the ones not already bound to queue flush bounds).
type ContextConfig struct {
	ClosureMarkers      []string `mapstructure:"closure_markers"`
	TopicShiftThreshold  float64  `mapstructure:"topic_shift_threshold"`
	MinSubstantiveWords  int      `mapstructure:"min_substantive_words"`
}

// ResolverConfig bounds the Folder/List Resolver's cache tiers and fuzzy
// matching behavior.
type ResolverConfig struct {
	FuzzyMatchThreshold    float64       `mapstructure:"fuzzy_match_threshold"`
	Tier1TTLSeconds        int           `mapstructure:"tier1_ttl_seconds"`
	Tier2HorizonSeconds    int           `mapstructure:"tier2_horizon_seconds"`
	FallbackListID         string        `mapstructure:"fallback_list_id"`
	Tier3Timeout           time.Duration `mapstructure:"tier3_timeout"`
	CircuitBreakerFailures int           `mapstructure:"circuit_breaker_failures"`
}

// DispatchConfig bounds the producer/consumer side of the bus.
type DispatchConfig struct {
	StreamName                string        `mapstructure:"stream_name"`
	ConsumerGroup             string        `mapstructure:"consumer_group"`
	ConsumerName              string        `mapstructure:"consumer_name"`
	DeadLetterStream          string        `mapstructure:"dead_letter_stream"`
	PublishMaxAttempts        int           `mapstructure:"publish_max_attempts"`
	PublishBaseBackoff        time.Duration `mapstructure:"publish_base_backoff"`
	PublishAttemptTimeout     time.Duration `mapstructure:"publish_attempt_timeout"`
	ConsumeMaxRedeliveries    int           `mapstructure:"consume_max_redeliveries"`
	ConsumeOverallDeadline    time.Duration `mapstructure:"consume_overall_deadline"`
	ClaimMinIdleTime          time.Duration `mapstructure:"claim_min_idle_time"`
	RecurringAllowedCategories []string     `mapstructure:"recurring_allowed_categories"`
	AsNeededCategories         []string     `mapstructure:"as_needed_categories"`
	DuplicateTextSimilarity    float64      `mapstructure:"duplicate_text_similarity"`
	DuplicateWindowHours       int          `mapstructure:"duplicate_window_hours"`
	AsNeededElapsedHours       int          `mapstructure:"as_needed_elapsed_hours"`
}

// IntegrationsConfig holds the chat-platform webhook secret and the
// outbound credentials for the three external collaborators: the AI
// classifier, the transcription service, and the task-management backend.
type IntegrationsConfig struct {
	WebhookSecret        string        `mapstructure:"webhook_secret"`
	ClassifierEndpoint   string        `mapstructure:"classifier_endpoint"`
	ClassifierAPIKey     string        `mapstructure:"classifier_api_key"`
	ClassifierTimeout    time.Duration `mapstructure:"classifier_timeout"`
	TranscriptionEndpoint string       `mapstructure:"transcription_endpoint"`
	TranscriptionAPIKey  string        `mapstructure:"transcription_api_key"`
	TranscriptionTimeout time.Duration `mapstructure:"transcription_timeout"`
	TaskServiceEndpoint  string        `mapstructure:"task_service_endpoint"`
	TaskServiceAPIKey    string        `mapstructure:"task_service_api_key"`
	TaskServiceTimeout   time.Duration `mapstructure:"task_service_timeout"`
}

// Load reads configuration from a YAML file (if present) layered with
// environment variables prefixed CONVOBRIDGE_, then validates it.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("CONVOBRIDGE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/convobridge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.ack_budget", "100ms")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "15m")

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("queue.max_messages_per_chat", 8)
	v.SetDefault("queue.max_wait_seconds", 180)
	v.SetDefault("queue.scheduler_interval_seconds", 10)
	v.SetDefault("queue.silence_threshold_seconds", 180)
	v.SetDefault("queue.dispatch_timeout", "30s")

	v.SetDefault("context.closure_markers", []string{"thanks", "thank you", "that's all", "obrigado", "obrigada"})
	v.SetDefault("context.topic_shift_threshold", 0.2)
	v.SetDefault("context.min_substantive_words", 4)

	v.SetDefault("resolver.fuzzy_match_threshold", 0.85)
	v.SetDefault("resolver.tier1_ttl_seconds", 3600)
	v.SetDefault("resolver.tier2_horizon_seconds", 86400)
	v.SetDefault("resolver.tier3_timeout", "5s")
	v.SetDefault("resolver.circuit_breaker_failures", 5)

	v.SetDefault("dispatch.stream_name", "convobridge:dispatch")
	v.SetDefault("dispatch.consumer_group", "convobridge-consumers")
	v.SetDefault("dispatch.consumer_name", "convobridge-consumer-1")
	v.SetDefault("dispatch.dead_letter_stream", "convobridge:dispatch:dead")
	v.SetDefault("dispatch.publish_max_attempts", 3)
	v.SetDefault("dispatch.publish_base_backoff", "100ms")
	v.SetDefault("dispatch.publish_attempt_timeout", "5s")
	v.SetDefault("dispatch.consume_max_redeliveries", 3)
	v.SetDefault("dispatch.consume_overall_deadline", "60s")
	v.SetDefault("dispatch.claim_min_idle_time", "2m")
	v.SetDefault("dispatch.duplicate_text_similarity", 0.9)
	v.SetDefault("dispatch.duplicate_window_hours", 24)
	v.SetDefault("dispatch.as_needed_elapsed_hours", 168)

	v.SetDefault("integrations.classifier_timeout", "10s")
	v.SetDefault("integrations.transcription_timeout", "15s")
	v.SetDefault("integrations.task_service_timeout", "10s")
}

func (cfg *Config) validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if cfg.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if cfg.Queue.MaxMessagesPerChat <= 0 {
		return fmt.Errorf("queue max_messages_per_chat must be positive")
	}
	if cfg.Queue.MaxWaitSeconds <= 0 {
		return fmt.Errorf("queue max_wait_seconds must be positive")
	}
	if cfg.Resolver.FuzzyMatchThreshold <= 0 || cfg.Resolver.FuzzyMatchThreshold > 1 {
		return fmt.Errorf("resolver fuzzy_match_threshold must be in (0, 1]")
	}
	if cfg.Dispatch.StreamName == "" {
		return fmt.Errorf("dispatch stream_name is required")
	}
	if cfg.Dispatch.PublishMaxAttempts <= 0 {
		return fmt.Errorf("dispatch publish_max_attempts must be positive")
	}
	if cfg.Integrations.WebhookSecret == "" {
		return fmt.Errorf("integrations webhook_secret is required")
	}
	if cfg.Integrations.ClassifierEndpoint == "" {
		return fmt.Errorf("integrations classifier_endpoint is required")
	}
	if cfg.Integrations.TaskServiceEndpoint == "" {
		return fmt.Errorf("integrations task_service_endpoint is required")
	}
	if cfg.Integrations.TranscriptionEndpoint == "" {
		return fmt.Errorf("integrations transcription_endpoint is required")
	}
	return nil
}

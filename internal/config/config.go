// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Checkpoint backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Session lock kinds.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

type Config struct {
	App        AppConfig
	LLM        LLMConfig
	Embedding  EmbeddingConfig
	Checkpoint CheckpointConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Interview  InterviewConfig
	Retrieval  RetrievalConfig
	Telemetry  TelemetryConfig
}

type AppConfig struct {
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Port     int    `envconfig:"PORT" default:"8000"`
}

type LLMConfig struct {
	APIKey     string        `envconfig:"LLM_API_KEY"`
	GroqAPIKey string        `envconfig:"GROQ_API_KEY"`
	BaseURL    string        `envconfig:"LLM_BASE_URL" default:"https://api.groq.com/openai/v1"`
	Model      string        `envconfig:"LLM_MODEL" default:"llama-3.3-70b-versatile"`
	Timeout    time.Duration `envconfig:"LLM_TIMEOUT" default:"60s"`
	JSONSchema bool          `envconfig:"LLM_JSON_SCHEMA" default:"false"`
}

// Key returns the configured API key, preferring LLM_API_KEY.
func (c LLMConfig) Key() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return c.GroqAPIKey
}

type EmbeddingConfig struct {
	Model   string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	BaseURL string `envconfig:"EMBEDDING_BASE_URL" default:"https://api.openai.com/v1"`
	APIKey  string `envconfig:"EMBEDDING_API_KEY"`
}

type CheckpointConfig struct {
	Backend string `envconfig:"CHECKPOINT_BACKEND" default:"memory"`
	Lock    string `envconfig:"SESSION_LOCK" default:"local"`
}

type PostgresConfig struct {
	URL           string `envconfig:"DATABASE_URL"`
	NotifyChannel string `envconfig:"POSTGRES_NOTIFY_CHANNEL" default:"session_updates"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	Prefix   string `envconfig:"REDIS_PREFIX" default:"psychtrainer:"`
}

type InterviewConfig struct {
	MaxMessages    int           `envconfig:"MAX_MESSAGES" default:"16"`
	MessagesToKeep int           `envconfig:"MESSAGES_TO_KEEP" default:"6"`
	MaxTurns       int           `envconfig:"MAX_TURNS" default:"20"`
	RouterWindow   int           `envconfig:"ROUTER_WINDOW" default:"6"`
	TurnTimeout    time.Duration `envconfig:"TURN_TIMEOUT" default:"2m"`
}

type RetrievalConfig struct {
	VectorPath  string `envconfig:"VECTOR_PATH"`
	FewShotDir  string `envconfig:"FEW_SHOT_DIR" default:"data"`
	PromptsFile string `envconfig:"PROMPTS_FILE"`
}

type TelemetryConfig struct {
	Enabled      bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`
}

// Load reads a .env file if one exists, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	c.Checkpoint.Backend = strings.ToLower(strings.TrimSpace(c.Checkpoint.Backend))
	c.Checkpoint.Lock = strings.ToLower(strings.TrimSpace(c.Checkpoint.Lock))

	switch c.Checkpoint.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown CHECKPOINT_BACKEND %q", c.Checkpoint.Backend)
	}
	switch c.Checkpoint.Lock {
	case LockLocal, LockRedis:
	default:
		return fmt.Errorf("unknown SESSION_LOCK %q", c.Checkpoint.Lock)
	}
	if c.Interview.MessagesToKeep < 1 || c.Interview.MessagesToKeep >= c.Interview.MaxMessages {
		return fmt.Errorf("MESSAGES_TO_KEEP must be between 1 and MAX_MESSAGES-1")
	}
	if c.Interview.MaxTurns < 1 || c.Interview.RouterWindow < 1 {
		return fmt.Errorf("MAX_TURNS and ROUTER_WINDOW must be positive")
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Session backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Model providers
const (
	ProviderGoogleAI = "googleai"
	ProviderOpenAI   = "openai"
)

// Config is read from unprefixed environment variables.
type Config struct {
	// Service configuration
	ServiceName string `envconfig:"SERVICE_NAME" default:"imagechat"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty   bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9102"`
	Timezone    string `envconfig:"TIMEZONE" default:"UTC"`

	// Storage
	DataDir            string        `envconfig:"DATA_DIR" default:"data"`
	RetentionDays      int           `envconfig:"RETENTION_DAYS" default:"14"`
	PruneInterval      time.Duration `envconfig:"PRUNE_INTERVAL" default:"1m"`
	MaxMessages        int           `envconfig:"MAX_MESSAGES" default:"500"`
	IdleTimeoutMinutes int           `envconfig:"IDLE_TIMEOUT_MINUTES" default:"60"`
	AdminChatIDs       []int64       `envconfig:"ADMIN_CHAT_IDS"`

	// Model configuration
	LLMProvider   string        `envconfig:"LLM_PROVIDER" default:"googleai"`
	GeminiAPIKey  string        `envconfig:"GEMINI_API_KEY"`
	OpenAIAPIKey  string        `envconfig:"OPENAI_API_KEY"`
	ModelName     string        `envconfig:"MODEL_NAME" default:"gemini-1.5-flash"`
	SystemPrompt  string        `envconfig:"SYSTEM_PROMPT"`
	ModelWorkers  int           `envconfig:"MODEL_WORKERS" default:"8"`
	ModelTimeout  time.Duration `envconfig:"MODEL_TIMEOUT" default:"0s"`
	RetryAttempts int           `envconfig:"RETRY_ATTEMPTS" default:"2"`
	RetryDelay    time.Duration `envconfig:"RETRY_DELAY" default:"800ms"`

	// NATS configuration
	NatsURL            string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	NatsRequestSubject string        `envconfig:"NATS_REQUEST_SUBJECT" default:"imagechat.turn"`
	NatsTimeout        time.Duration `envconfig:"NATS_TIMEOUT" default:"30s"`
	TurnTimeout        time.Duration `envconfig:"TURN_TIMEOUT" default:"2m"`

	// Dispatch
	DispatchShards         int           `envconfig:"DISPATCH_SHARDS" default:"16"`
	DispatchQueueSize      int           `envconfig:"DISPATCH_QUEUE_SIZE" default:"64"`
	DispatchEnqueueTimeout time.Duration `envconfig:"DISPATCH_ENQUEUE_TIMEOUT" default:"100ms"`

	// Sessions
	SessionBackend string `envconfig:"SESSION_BACKEND" default:"memory"`
	RedisURL       string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
}

// Load parses the environment. It does not validate.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	cfg.SessionBackend = strings.ToLower(strings.TrimSpace(cfg.SessionBackend))
	return &cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be at least 1, got %d", c.RetentionDays)
	}
	if c.IdleTimeoutMinutes < 0 {
		return fmt.Errorf("IDLE_TIMEOUT_MINUTES must not be negative, got %d", c.IdleTimeoutMinutes)
	}
	if c.MaxMessages < 0 {
		return fmt.Errorf("MAX_MESSAGES must not be negative, got %d", c.MaxMessages)
	}
	switch c.SessionBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unsupported SESSION_BACKEND: %s", c.SessionBackend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// ValidateServe additionally checks what the running service needs.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch c.LLMProvider {
	case ProviderGoogleAI:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY environment variable is required")
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER: %s", c.LLMProvider)
	}
	if c.ModelWorkers < 1 {
		return fmt.Errorf("MODEL_WORKERS must be at least 1, got %d", c.ModelWorkers)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.NatsRequestSubject == "" {
		return fmt.Errorf("NATS_REQUEST_SUBJECT is required")
	}
	return nil
}

// IdleTimeout returns the session idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// Location resolves TIMEZONE for user-facing timestamps.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

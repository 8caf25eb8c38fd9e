package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
)

// CorrelationBackend selects where pending shares are kept.
type CorrelationBackend string

const (
	// CorrelationMemory keeps shares in the process; a text must reach the
	// same process as its share.
	CorrelationMemory CorrelationBackend = "memory"
	// CorrelationDynamoDB keeps shares in the state table so any instance can
	// pair them.
	CorrelationDynamoDB CorrelationBackend = "dynamodb"
)

type Config struct {
	HTTPAddr           string `env:"HTTP_ADDR" envDefault:":8080"`
	WebhookVerifyToken string `env:"WEBHOOK_VERIFY_TOKEN,required"`
	WebhookAppSecret   string `env:"WEBHOOK_APP_SECRET"`
	ManagementToken    string `env:"MANAGEMENT_TOKEN"`

	// AWS
	StateTable     string        `env:"STATE_TABLE" envDefault:"instaagent"`
	ParamPrefix    string        `env:"PARAM_PREFIX" envDefault:"/instaagent"`
	InteractionTTL time.Duration `env:"INTERACTION_TTL" envDefault:"4320h"`

	// Knowledge index; an empty DSN selects the in-memory index.
	DatabaseURL         string `env:"DATABASE_URL"`
	DatabaseAutoMigrate bool   `env:"DATABASE_AUTO_MIGRATE" envDefault:"false"`
	EmbeddingDimensions int    `env:"EMBEDDING_DIMENSIONS" envDefault:"3072"`

	// LLM settings
	LLMProvider     LLMProvider `env:"LLM_PROVIDER" envDefault:"gemini"`
	CompletionModel string      `env:"COMPLETION_MODEL" envDefault:"gemini-2.5-flash"`
	EmbeddingModel  string      `env:"EMBEDDING_MODEL" envDefault:"gemini-embedding-001"`
	LLMBaseURL      string      `env:"LLM_BASE_URL"`

	GraphAPIURL     string        `env:"GRAPH_API_URL" envDefault:"https://graph.instagram.com/v21.0"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"60s"`

	// Conversation
	HistoryLimit      int           `env:"HISTORY_LIMIT" envDefault:"10"`
	RetrievalTopK     int           `env:"RETRIEVAL_TOP_K" envDefault:"3"`
	RegreetAfter      time.Duration `env:"REGREET_AFTER" envDefault:"12h"`
	CorrelationWindow time.Duration `env:"CORRELATION_WINDOW" envDefault:"2s"`

	CorrelationBackend CorrelationBackend `env:"CORRELATION_BACKEND" envDefault:"memory"`

	// Replies
	MaxReplyLength   int           `env:"MAX_REPLY_LENGTH" envDefault:"1000"`
	ReplyChunkLength int           `env:"REPLY_CHUNK_LENGTH" envDefault:"990"`
	ReplyChunkDelay  time.Duration `env:"REPLY_CHUNK_DELAY" envDefault:"1500ms"`

	Workers        int           `env:"WORKERS" envDefault:"8"`
	QueueSize      int           `env:"QUEUE_SIZE" envDefault:"256"`
	TenantCacheTTL time.Duration `env:"TENANT_CACHE_TTL" envDefault:"5m"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.LLMProvider = LLMProvider(strings.ToLower(strings.TrimSpace(string(cfg.LLMProvider))))
	cfg.CorrelationBackend = CorrelationBackend(strings.ToLower(strings.TrimSpace(string(cfg.CorrelationBackend))))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WebhookVerifyToken) == "" {
		errs = append(errs, errors.New("WEBHOOK_VERIFY_TOKEN must not be empty"))
	}
	switch c.LLMProvider {
	case ProviderGemini, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q is not one of gemini, openai", c.LLMProvider))
	}
	switch c.CorrelationBackend {
	case CorrelationMemory, CorrelationDynamoDB:
	default:
		errs = append(errs, fmt.Errorf("CORRELATION_BACKEND %q is not one of memory, dynamodb", c.CorrelationBackend))
	}
	if c.MaxReplyLength <= 0 {
		errs = append(errs, errors.New("MAX_REPLY_LENGTH must be positive"))
	}
	if c.ReplyChunkLength <= 0 || c.ReplyChunkLength > c.MaxReplyLength {
		errs = append(errs, fmt.Errorf("REPLY_CHUNK_LENGTH must be in 1..%d", c.MaxReplyLength))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.QueueSize < 0 {
		errs = append(errs, errors.New("QUEUE_SIZE must not be negative"))
	}
	if c.HistoryLimit <= 0 || c.RetrievalTopK <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT and RETRIEVAL_TOP_K must be positive"))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIMENSIONS must be positive"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ErrMissingAPIKey is returned by Load when no provider credentials are set.
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY is required; set it in the environment or in a .env file")

// ErrMissingDatabaseURL is returned by RequireDatabase.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL must be set")

const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

// Config holds every runtime option of the chatbot.  Values come from the
// process environment after an optional .env file has been loaded.
type Config struct {
	AppName string `env:"APP_NAME" envDefault:"EHR Medical Chatbot"`

	Provider          string  `env:"LLM_PROVIDER" envDefault:"openai" validate:"oneof=openai echo"`
	APIKey            string  `env:"OPENAI_API_KEY"`
	BaseURL           string  `env:"OPENAI_BASE_URL" validate:"omitempty,url"`
	ModelName         string  `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini" validate:"required"`
	Temperature       float32 `env:"OPENAI_TEMPERATURE" envDefault:"0.7" validate:"gte=0,lte=2"`
	RequestsPerSecond float64 `env:"LLM_REQUESTS_PER_SECOND" envDefault:"5" validate:"gte=0"`

	EducationalMaxTokens   int `env:"EDUCATIONAL_MAX_TOKENS" envDefault:"2000" validate:"gt=0"`
	ChatMaxTokens          int `env:"CHAT_MAX_TOKENS" envDefault:"500" validate:"gt=0"`
	MaxConversationHistory int `env:"MAX_CONVERSATION_HISTORY" envDefault:"20" validate:"gt=0"`

	DatabaseURL   string `env:"DATABASE_URL"`
	NotifyChannel string `env:"POSTGRES_NOTIFY_CHANNEL" envDefault:"chat_updates"`

	Port           string        `env:"PORT" envDefault:"8000"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"120s" validate:"gt=0"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON        bool          `env:"LOG_JSON" envDefault:"false"`
}

var validate = validator.New()

// Load reads .env (when present) and the environment into a Config and
// validates it.  A missing API key yields ErrMissingAPIKey.
func Load() (*Config, error) {
	// A missing .env is normal in containers.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv parses the current environment without touching .env files.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("OPENAI_API_BASE")
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks credentials first, then the field rules.
func (c *Config) Validate() error {
	if c.Provider != ProviderEcho && c.APIKey == "" {
		return fmt.Errorf("config: %w", ErrMissingAPIKey)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RequireDatabase reports whether a database connection string is set.
func (c *Config) RequireDatabase() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: %w", ErrMissingDatabaseURL)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

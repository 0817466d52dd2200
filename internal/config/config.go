package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// LLM providers accepted by LLM_PROVIDER
const (
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	PostgreSQL PostgreSQLConfig
	Logging    LoggingConfig
	BookingAPI BookingAPIConfig
	LLM        LLMConfig
	OpenAI     OpenAIConfig
	Ollama     OllamaConfig
	OpenRouter OpenRouterConfig
	Session    SessionConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	GinMode        string
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
	RequestTimeout time.Duration
}

// PostgreSQLConfig holds the audit database configuration
type PostgreSQLConfig struct {
	DSN                string // Full connection string, takes precedence over the parts below
	Host               string
	Port               int
	User               string
	Password           string
	Database           string
	SSLMode            string
	MaxConnections     int
	MaxIdleConnections int
	AuditEnabled       bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string
	Format   string // json | console
	Output   string // stdout | stderr | file
	FilePath string
}

// BookingAPIConfig holds the external booking API settings
type BookingAPIConfig struct {
	BaseURL      string
	ServiceToken string // Used for catalog refresh outside of a user request
	Timeout      time.Duration
	RefreshTTL   time.Duration
}

// LLMConfig selects and tunes the language model adapter
type LLMConfig struct {
	Provider       string // openai | ollama | openrouter, empty disables the model
	Timeout        time.Duration
	HealthInterval time.Duration
	FormatResults  bool
}

// OpenAIConfig holds OpenAI-compatible API configuration
type OpenAIConfig struct {
	APIKey          string
	APIBase         string
	ChatModel       string
	ChatTemperature float64
	ChatTopP        float64
	ChatMaxTokens   int
	ChatExtraBody   string // JSON merged into every chat request, e.g. {"chat_template_kwargs":{"thinking":false}}
}

// OllamaConfig holds local Ollama daemon configuration
type OllamaConfig struct {
	BaseURL   string
	Model     string
	KeepAlive time.Duration
}

// OpenRouterConfig holds hosted OpenRouter configuration
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// SessionConfig holds session context store configuration
type SessionConfig struct {
	Store         string // memory | redis
	RedisURL      string
	MaxHistory    int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			GinMode:        getEnv("GIN_MODE", "release"),
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
			RequestTimeout: getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
		},
		PostgreSQL: PostgreSQLConfig{
			DSN:                getEnv("DATABASE_URL", getEnv("PG_DSN", "")),
			Host:               getEnv("PG_HOST", "localhost"),
			Port:               getEnvAsInt("PG_PORT", 5432),
			User:               getEnv("PG_USER", "postgres"),
			Password:           getEnv("PG_PASSWORD", ""),
			Database:           getEnv("PG_DATABASE", "assistant"),
			SSLMode:            getEnv("PG_SSLMODE", "disable"),
			MaxConnections:     getEnvAsInt("PG_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("PG_MAX_IDLE_CONNECTIONS", 2),
			AuditEnabled:       getEnvAsBool("AUDIT_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Format:   getEnv("LOG_FORMAT", "json"),
			Output:   getEnv("LOG_OUTPUT", "stdout"),
			FilePath: getEnv("LOG_FILE_PATH", "logs/assistant.log"),
		},
		BookingAPI: BookingAPIConfig{
			BaseURL:      strings.TrimRight(getEnv("BOOKING_API_URL", "http://localhost:3000/api"), "/"),
			ServiceToken: getEnv("BOOKING_API_TOKEN", ""),
			Timeout:      getEnvAsDuration("BOOKING_API_TIMEOUT", 10*time.Second),
			RefreshTTL:   getEnvAsDuration("BOOKING_REFRESH_TTL", 5*time.Minute),
		},
		LLM: LLMConfig{
			Provider:       strings.ToLower(getEnv("LLM_PROVIDER", "")),
			Timeout:        getEnvAsDuration("LLM_TIMEOUT", 20*time.Second),
			HealthInterval: getEnvAsDuration("LLM_HEALTH_INTERVAL", 30*time.Second),
			FormatResults:  getEnvAsBool("LLM_FORMAT_RESULTS", false),
		},
		OpenAI: OpenAIConfig{
			APIKey:          getEnv("OPENAI_API_KEY", ""),
			APIBase:         strings.TrimRight(getEnv("OPENAI_API_BASE", "https://api.openai.com/v1"), "/"),
			ChatModel:       getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			ChatTemperature: getEnvAsFloat("OPENAI_CHAT_TEMPERATURE", 0.1),
			ChatTopP:        getEnvAsFloat("OPENAI_CHAT_TOP_P", 0.9),
			ChatMaxTokens:   getEnvAsInt("OPENAI_CHAT_MAX_TOKENS", 1024),
			ChatExtraBody:   getEnv("OPENAI_CHAT_EXTRA_BODY", ""),
		},
		Ollama: OllamaConfig{
			BaseURL:   getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			Model:     getEnv("OLLAMA_MODEL", "llama3.1"),
			KeepAlive: getEnvAsDuration("OLLAMA_KEEP_ALIVE", 5*time.Minute),
		},
		OpenRouter: OpenRouterConfig{
			APIKey:  getEnv("OPENROUTER_API_KEY", ""),
			BaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			Model:   getEnv("OPENROUTER_MODEL", "openai/gpt-4o-mini"),
		},
		Session: SessionConfig{
			Store:         strings.ToLower(getEnv("SESSION_STORE", "memory")),
			RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			MaxHistory:    getEnvAsInt("SESSION_MAX_HISTORY", 10),
			IdleTimeout:   getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			SweepInterval: getEnvAsDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "", ProviderOpenAI, ProviderOllama, ProviderOpenRouter:
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLM.Provider)
	}
	switch c.Session.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported SESSION_STORE %q", c.Session.Store)
	}
	if c.Session.MaxHistory <= 0 {
		return fmt.Errorf("SESSION_MAX_HISTORY must be positive, got %d", c.Session.MaxHistory)
	}
	return nil
}

// GetPostgreSQLDSN returns PostgreSQL connection string
func (c *Config) GetPostgreSQLDSN() string {
	if c.PostgreSQL.DSN != "" {
		return c.PostgreSQL.DSN
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgreSQL.Host,
		c.PostgreSQL.Port,
		c.PostgreSQL.User,
		c.PostgreSQL.Password,
		c.PostgreSQL.Database,
		c.PostgreSQL.SSLMode,
	)
}

// LLMEnabled reports whether a language model adapter is configured
func (c *Config) LLMEnabled() bool {
	switch c.LLM.Provider {
	case ProviderOpenAI:
		return c.OpenAI.APIKey != ""
	case ProviderOpenRouter:
		return c.OpenRouter.APIKey != ""
	case ProviderOllama:
		return c.Ollama.BaseURL != ""
	}
	return false
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Warn().Str("key", key).Int("default", defaultValue).Msg("Invalid integer value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Warn().Str("key", key).Float64("default", defaultValue).Msg("Invalid float value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Warn().Str("key", key).Bool("default", defaultValue).Msg("Invalid boolean value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Warn().Str("key", key).Dur("default", defaultValue).Msg("Invalid duration value, using default")
		return defaultValue
	}
	return value
}
